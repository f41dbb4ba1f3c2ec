// SPDX-License-Identifier: MIT

package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/KR8MER/eas-station-sub008/internal/audioutil"
	"github.com/KR8MER/eas-station-sub008/internal/decoder"
	"github.com/KR8MER/eas-station-sub008/internal/sourceprobe"
)

// producerService is the suture.Service that owns the decoder
// subprocess lifecycle and the PCM-to-ring-buffer pump for one
// adapter. It is also the only task that spawns and stops the
// decoder, so the watchdog only ever forces a stop, never a start.
type producerService struct {
	a *Adapter
}

// Serve runs until ctx is cancelled or the adapter gives up. Both
// cases return suture.ErrDoNotRestart: every subprocess-driven restart
// is handled internally by Backoff, so suture must never layer its own
// restart on top of an intentional stop.
func (p *producerService) Serve(ctx context.Context) error {
	a := p.a
	buf := make([]byte, pcmChunkBytes)

	for {
		if ctx.Err() != nil {
			return suture.ErrDoNotRestart
		}

		if a.backoff.ShouldGiveUp() {
			a.setState(StateGivingUp)
			return suture.ErrDoNotRestart
		}

		a.setState(StateStarting)

		if a.prober != nil {
			probeCtx, cancel := context.WithTimeout(ctx, sourceprobe.DefaultTimeout)
			result := a.prober.Probe(probeCtx, a.cfg.URI)
			cancel()
			if !result.Reachable {
				if !p.failAndMaybeWait(ctx, fmt.Errorf("source unreachable: %s", result.Error)) {
					return suture.ErrDoNotRestart
				}
				continue
			}
		}

		proc, err := decoder.New(decoder.Config{
			Kind:       a.cfg.Kind,
			URI:        a.cfg.URI,
			SampleRate: a.cfg.SampleRate,
			Channels:   a.cfg.Channels,
			Binary:     a.cfg.Binary,
			ExtraArgs:  a.cfg.ExtraArgs,
			Logger:     a.cfg.Logger,
			LogDir:     a.cfg.LogDir,
			Name:       a.cfg.Name,
			StopGrace:  a.cfg.StopGrace,
		})
		if err != nil {
			// Construction-time validation failure against a fixed,
			// already-validated config; treat as SpawnFailed rather
			// than InvalidConfiguration, since InvalidConfiguration is
			// reserved for Adapter construction.
			if !p.failAndMaybeWait(ctx, err) {
				return suture.ErrDoNotRestart
			}
			continue
		}

		if err := proc.Start(ctx); err != nil {
			if !p.failAndMaybeWait(ctx, err) {
				return suture.ErrDoNotRestart
			}
			continue
		}

		a.setProc(proc)
		a.markSpawned(time.Now())
		if !p.pump(ctx, proc, buf) {
			return suture.ErrDoNotRestart
		}
	}
}

// pump reads PCM chunks until the subprocess ends, a read error
// occurs, or ctx is cancelled. Returns false if the caller should stop
// entirely (GivingUp reached or ctx cancelled), true if it should loop
// back to spawn a fresh subprocess.
func (p *producerService) pump(ctx context.Context, proc *decoder.Process, buf []byte) bool {
	a := p.a
	firstChunk := true
	pending := 0 // bytes of a split sample carried at the front of buf

	for {
		if ctx.Err() != nil {
			proc.Stop()
			a.setProc(nil)
			return false
		}

		n, err := proc.ReadPCM(buf[pending:])
		if err != nil {
			proc.Stop()
			a.setProc(nil)
			return p.failAndMaybeWait(ctx, err)
		}
		if n == 0 {
			// Clean EOF: the subprocess closed stdout. Per spec this is
			// a subprocess exit and escalates to Failed like any other
			// read failure.
			proc.Stop()
			a.setProc(nil)
			return p.failAndMaybeWait(ctx, errors.New("decoder stream ended"))
		}

		total := pending + n
		samples := audioutil.DecodePCM16LE(buf[:total])
		// A trailing odd byte is the first half of a sample split across
		// reads: keep it so the next read completes it.
		pending = total % 2
		if pending == 1 {
			buf[0] = buf[total-1]
		}
		a.window.Add(samples)
		a.producer.Write(samples)

		now := time.Now()
		peak := a.window.PeakDB()
		a.touchSample(now, peak, len(samples))

		if firstChunk {
			firstChunk = false
			a.setState(StateHealthy)
		} else {
			a.evaluateHealth(now, peak)
		}
	}
}

// failAndMaybeWait records a failure, transitions to GivingUp or
// Failed, and — if not giving up — waits out the current backoff
// delay. Returns false if the caller should stop the outer loop
// (GivingUp reached, or ctx cancelled during the wait).
func (p *producerService) failAndMaybeWait(ctx context.Context, err error) bool {
	a := p.a
	a.recordFailure(err)

	if a.backoff.ShouldGiveUp() {
		a.setState(StateGivingUp)
		return false
	}

	a.setState(StateFailed)
	if waitErr := a.backoff.Wait(ctx); waitErr != nil {
		return false
	}
	return true
}
