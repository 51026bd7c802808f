// Package progress streams pipeline stage milestones to pluggable sinks
// without ever blocking the pipeline.
package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/pipeline"
)

// Phase says whether a stage began or ended.
type Phase string

// Supported phases.
const (
	PhaseStarted  Phase = "started"
	PhaseFinished Phase = "finished"
)

// Event is one stage milestone of a target run.
type Event struct {
	Target string
	Stage  pipeline.Stage
	Phase  Phase
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Elapsed is set on finished events.
	Elapsed time.Duration
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Target == "" {
		return errors.New("target is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case pipeline.StageHarvest, pipeline.StageEnrich, pipeline.StageResolve:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	switch e.Phase {
	case PhaseStarted, PhaseFinished:
	default:
		return fmt.Errorf("unknown phase %q", e.Phase)
	}
	if e.Elapsed < 0 {
		return errors.New("elapsed must be >= 0")
	}
	return nil
}

// Sink consumes batches of events. Consume must not retain the slice.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}
