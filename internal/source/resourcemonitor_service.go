// SPDX-License-Identifier: MIT

package source

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
)

// resourceMonitorService is the suture.Service that periodically
// samples the live decoder subprocess's resource usage (file
// descriptors, CPU, memory, threads) at cfg.MonitorInterval, attaching
// the result to the adapter's next Metrics() snapshot. Only added to
// the supervision tree when MonitorInterval > 0.
type resourceMonitorService struct {
	a *Adapter
}

func (r *resourceMonitorService) Serve(ctx context.Context) error {
	a := r.a

	ticker := time.NewTicker(a.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return suture.ErrDoNotRestart
		case <-ticker.C:
			a.sampleResourceMetrics()
		}
	}
}
