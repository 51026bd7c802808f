package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/app"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/browser/browsertest"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/config"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/pipeline"
)

const cliConfig = `
logging:
  level: error
browser:
  capacity: 1
resolver:
  settle_delay: 1ms
  stability_delay: 1ms
pipeline:
  item_delay: 0s
targets:
  - name: shop
    start_url: https://shop.example/c
    base_url: https://shop.example
    listing:
      item: .product
      name: .title
      link: a.title
sinks:
  blob:
    enabled: true
    backend: memory
`

type countingSink struct{ saves atomic.Int32 }

func (c *countingSink) Save(context.Context, pipeline.Result) error {
	c.saves.Add(1)
	return nil
}

func withFakeBrowser(t *testing.T) *countingSink {
	t.Helper()
	sink := &countingSink{}
	orig := newApp
	newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
		factory := &browsertest.Factory{Setup: func(s *browsertest.Session) {
			s.SetPage("https://shop.example/c", `<div class="product"><a class="title" href="/p/1">Kettle</a></div>`)
			s.SetPage("https://shop.example/p/1", `<h1>Kettle</h1>`)
		}}
		return app.New(ctx, cfg, logger, app.WithFactory(factory), app.WithSink("count", sink))
	}
	t.Cleanup(func() { newApp = orig })
	return sink
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harvester.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cliConfig), 0o600))
	return path
}

func execute(ctx context.Context, args ...string) (string, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(context.Background(), "version")
	require.NoError(t, err)
	require.Equal(t, "dev", strings.TrimSpace(out))
}

func TestRunCommandOnce(t *testing.T) {
	sink := withFakeBrowser(t)

	_, err := execute(context.Background(), "run", "--config", writeConfig(t), "--target", "shop")
	require.NoError(t, err)
	require.EqualValues(t, 1, sink.saves.Load())
}

func TestRunCommandRepeatsUntilCancelled(t *testing.T) {
	sink := withFakeBrowser(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := execute(ctx, "run", "--config", writeConfig(t), "--interval", "10ms")
		done <- err
	}()

	require.Eventually(t, func() bool { return sink.saves.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}

func TestRunCommandErrors(t *testing.T) {
	withFakeBrowser(t)
	path := writeConfig(t)

	_, err := execute(context.Background(), "run", "--config", path, "--target", "nowhere")
	require.ErrorIs(t, err, app.ErrUnknownTarget)

	_, err = execute(context.Background(), "run", "--config", path, "--interval", "-1s")
	require.Error(t, err)

	_, err = execute(context.Background(), "run", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
