// Package sink fans finished pipeline runs out to persistence and transport
// backends.
package sink

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/pipeline"
)

// Named pairs a sink with the name used in logs and errors.
type Named struct {
	Name string
	Sink pipeline.Sink
}

// Multi saves a result to every backend. A failing backend does not stop the
// others; their errors are joined.
type Multi struct {
	sinks  []Named
	logger *zap.Logger
}

var _ pipeline.Sink = (*Multi)(nil)

// NewMulti builds a fan-out sink.
func NewMulti(logger *zap.Logger, sinks ...Named) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multi{sinks: sinks, logger: logger}
}

// Len reports the number of backends.
func (m *Multi) Len() int { return len(m.sinks) }

// Save implements pipeline.Sink.
func (m *Multi) Save(ctx context.Context, res pipeline.Result) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Sink.Save(ctx, res); err != nil {
			m.logger.Warn("sink save failed",
				zap.String("sink", s.Name),
				zap.String("run_id", res.RunID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		m.logger.Debug("sink saved run", zap.String("sink", s.Name), zap.String("run_id", res.RunID), zap.Int("items", len(res.Items)))
	}
	return errors.Join(errs...)
}

// Discard drops every result.
type Discard struct{}

// Save implements pipeline.Sink.
func (Discard) Save(context.Context, pipeline.Result) error { return nil }
