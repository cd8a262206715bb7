package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/fieldtofork/platform/experiment-engine/internal/metrics"
)

// Emit publishes ev if p is set. Publish failures, such as a full delivery
// queue, are logged and counted but never returned to the caller.
func Emit(ctx context.Context, p Publisher, logger *zap.Logger, m *metrics.Metrics, ev Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		m.PublishFailed()
		if logger != nil {
			logger.Warn("event publish failed",
				zap.Error(err),
				zap.String("event_type", ev.Type),
				zap.String("experiment_id", ev.ExperimentID.String()),
			)
		}
	}
}
