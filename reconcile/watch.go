package reconcile

import (
	"context"
	"time"

	"github.com/higorrsc/connectctl/clocks"
)

// Watch re-runs reconciliation on every tick of interval until the ticker is
// stopped. External actors mutating the cluster between passes are
// re-observed and re-converged on the next tick. After an unreachable
// cluster the next pass is pulled forward to retryIn instead of waiting the
// full interval.
func (r *Reconciler) Watch(clock clocks.Clock, interval, retryIn time.Duration) *clocks.Ticker {
	return clock.Every(interval, func(ec *clocks.EveryContext) {
		result, err := r.Run(context.Background())
		if err != nil {
			r.log.Error("pass failed", "run", result.RunID, "error", err)
			ec.RetryIn(retryIn)
			return
		}
		for _, rejection := range result.Rejected {
			r.log.Warn("connector still rejected", "run", result.RunID, "name", rejection.Name)
		}
	}, "reconcile")
}
