// Package blob writes a JSON Lines snapshot of each run to an object store.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/pipeline"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/storage"
)

const contentType = "application/x-ndjson"

// Sink serialises a run as one header line followed by one line per item.
type Sink struct {
	store  storage.ObjectWriter
	prefix string
	logger *zap.Logger
}

var _ pipeline.Sink = (*Sink)(nil)

// New builds a snapshot sink writing under prefix.
func New(store storage.ObjectWriter, prefix string, logger *zap.Logger) (*Sink, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{store: store, prefix: strings.Trim(prefix, "/"), logger: logger}, nil
}

// ObjectPath returns {prefix}/{target}/{yyyy/mm/dd}/{run_id}.jsonl, dated by
// the run start in UTC.
func (s *Sink) ObjectPath(res pipeline.Result) string {
	target := res.Target
	if target == "" {
		target = "unknown"
	}
	return path.Join(s.prefix, target, res.StartedAt.UTC().Format("2006/01/02"), res.RunID+".jsonl")
}

type header struct {
	RunID      string         `json:"run_id"`
	Target     string         `json:"target"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Stats      pipeline.Stats `json:"stats"`
}

// Save implements pipeline.Sink.
func (s *Sink) Save(ctx context.Context, res pipeline.Result) error {
	if res.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(header{
		RunID:      res.RunID,
		Target:     res.Target,
		StartedAt:  res.StartedAt.UTC(),
		FinishedAt: res.FinishedAt.UTC(),
		Stats:      res.Stats,
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	for _, item := range res.Items {
		if item == nil {
			continue
		}
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("encode item %s: %w", item.ID, err)
		}
	}

	uri, err := s.store.PutObject(ctx, s.ObjectPath(res), contentType, &buf)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	s.logger.Info("run snapshot written", zap.String("run_id", res.RunID), zap.String("uri", uri))
	return nil
}
