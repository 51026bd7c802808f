package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/pipeline"
)

type funcSink func(context.Context, pipeline.Result) error

func (f funcSink) Save(ctx context.Context, res pipeline.Result) error { return f(ctx, res) }

func TestMulti_SavesToEveryBackend(t *testing.T) {
	t.Parallel()

	var calls []string
	record := func(name string, err error) Named {
		return Named{Name: name, Sink: funcSink(func(_ context.Context, res pipeline.Result) error {
			require.Equal(t, "run-1", res.RunID)
			calls = append(calls, name)
			return err
		})}
	}
	boom := errors.New("broker unreachable")
	m := NewMulti(zap.NewNop(), record("postgres", nil), record("kafka", boom), record("blob", nil))
	require.Equal(t, 3, m.Len())

	err := m.Save(context.Background(), pipeline.Result{RunID: "run-1"})
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "kafka")
	require.Equal(t, []string{"postgres", "kafka", "blob"}, calls)
}

func TestMulti_EmptyAndDiscard(t *testing.T) {
	t.Parallel()

	require.NoError(t, NewMulti(nil).Save(context.Background(), pipeline.Result{}))
	require.NoError(t, Discard{}.Save(context.Background(), pipeline.Result{}))
}
