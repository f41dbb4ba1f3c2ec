// SPDX-License-Identifier: MIT

package source

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
)

// watchdogService is the suture.Service that polls one adapter at a
// cadence of at least watchdog_timeout/2, forcing a subprocess restart
// when the last-sample age exceeds the watchdog timeout or the
// last-nonzero-sample age exceeds the silence duration. It also
// resets the backoff ladder once a Healthy streak has lasted the
// configured reset threshold.
type watchdogService struct {
	a *Adapter
}

func (w *watchdogService) Serve(ctx context.Context) error {
	a := w.a

	cadence := a.cfg.WatchdogTimeout / 2
	if cadence <= 0 {
		cadence = 500 * time.Millisecond
	}

	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return suture.ErrDoNotRestart
		case now := <-ticker.C:
			if restart, reason := a.watchdogCheck(now); restart {
				a.forceRestart(reason)
			}
		}
	}
}
