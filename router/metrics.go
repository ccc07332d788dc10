package router

import (
	"time"

	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/protocol"
	"github.com/maxpert/shardkeeper/telemetry"
)

func targeting(plan *Plan) string {
	switch {
	case !plan.Sharded():
		return "primary"
	case len(plan.Targets) == 1:
		return "single"
	case len(plan.Targets) == len(plan.Table.Shards()):
		return "broadcast"
	}
	return "multi"
}

func recordOperation(kind protocol.OpKind, plan *Plan) {
	telemetry.RouterOperationsTotal.With(string(kind), targeting(plan)).Inc()
}

func recordFanout(n int) {
	telemetry.RouterFanout.Observe(float64(n))
}

func recordDuration(kind protocol.OpKind, d time.Duration) {
	telemetry.RouterDurationSeconds.With(string(kind)).Observe(d.Seconds())
}

func recordStaleRetry(cause error) {
	telemetry.RouterStaleRetriesTotal.With(errs.CodeOf(cause).String()).Inc()
}
