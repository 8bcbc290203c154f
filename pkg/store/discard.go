package store

import (
	"context"

	"github.com/devicelab-dev/vision-runner/pkg/core"
	"github.com/devicelab-dev/vision-runner/pkg/logger"
)

// Discard accepts every record and keeps none. Used when no store is configured.
type Discard struct{}

// SaveBatch reports every record as persisted.
func (Discard) SaveBatch(ctx context.Context, records []core.ExecutionRecord) []error {
	logger.Debug("discarding %d execution records", len(records))
	return make([]error, len(records))
}
