package headless

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	require.Equal(t, 30*time.Second, cfg.StartTimeout)
	require.Equal(t, 45*time.Second, cfg.PageLoadTimeout)
	require.Equal(t, 10*time.Second, cfg.ScriptTimeout)

	cfg = Config{PageLoadTimeout: time.Second}.withDefaults()
	require.Equal(t, time.Second, cfg.PageLoadTimeout)
}

func TestAllocatorOptionsAppendsOverrides(t *testing.T) {
	t.Parallel()

	base := len(allocatorOptions(Config{Headless: true}))
	withExtras := allocatorOptions(Config{
		Headless:     true,
		ExecPath:     "/usr/bin/chromium",
		UserAgent:    "harvester-test",
		WindowWidth:  1280,
		WindowHeight: 800,
		Flags:        map[string]any{"no-sandbox": true},
	})
	require.Equal(t, base+4, len(withExtras))
}

func TestPageTabIDsFiltersNonPageTargets(t *testing.T) {
	t.Parallel()

	ids := pageTabIDs([]*target.Info{
		{TargetID: "a", Type: "page"},
		{TargetID: "b", Type: "service_worker"},
		nil,
		{TargetID: "c", Type: "page"},
		{TargetID: "d", Type: "browser"},
	})
	require.Equal(t, []string{"a", "c"}, ids)
}

func TestSetTimeoutsRestoresPreviousValues(t *testing.T) {
	t.Parallel()

	s := &Session{pageLoad: 45 * time.Second, script: 10 * time.Second}
	restore := s.SetTimeouts(8*time.Second, 4*time.Second)
	require.Equal(t, 8*time.Second, s.pageLoadTimeout())
	require.Equal(t, 4*time.Second, s.scriptTimeout())

	nested := s.SetTimeouts(0, time.Second)
	require.Equal(t, 8*time.Second, s.pageLoadTimeout())
	require.Equal(t, time.Second, s.scriptTimeout())
	nested()
	restore()
	require.Equal(t, 45*time.Second, s.pageLoadTimeout())
	require.Equal(t, 10*time.Second, s.scriptTimeout())
}

func TestRunActiveWithoutActiveTab(t *testing.T) {
	t.Parallel()

	s := &Session{tabs: map[target.ID]*tab{}, active: "gone"}
	err := s.runActive(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrUnknownTab)
}

func findChrome(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "headless-shell"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	t.Skip("chrome not installed")
	return ""
}

func TestSessionAgainstRealChrome(t *testing.T) {
	execPath := findChrome(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "<html><body><h1>%s</h1></body></html>", r.URL.Path)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	factory := NewFactory(Config{
		ExecPath: execPath,
		Headless: true,
		Flags:    map[string]any{"no-sandbox": true},
	}, zap.NewNop())
	bs, err := factory.NewSession(ctx)
	require.NoError(t, err)
	s := bs.(*Session)
	defer func() { _ = s.Close(context.Background()) }()

	require.Positive(t, s.PID())
	require.NoError(t, s.Alive(ctx))

	require.NoError(t, s.Navigate(ctx, srv.URL+"/first"))
	html, err := s.Content(ctx)
	require.NoError(t, err)
	require.True(t, strings.Contains(html, "/first"))

	original := s.ActiveTab()
	before, err := s.TabIDs(ctx)
	require.NoError(t, err)

	require.NoError(t, s.OpenTab(ctx))
	after, err := s.TabIDs(ctx)
	require.NoError(t, err)
	require.Len(t, after, len(before)+1)

	var fresh string
	for _, id := range after {
		if id != original {
			fresh = id
		}
	}
	require.NoError(t, s.SwitchTab(ctx, fresh))
	require.NoError(t, s.Navigate(ctx, srv.URL+"/second"))
	loc, err := s.CurrentURL(ctx)
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/second", loc)

	require.NoError(t, s.CloseTab(ctx, fresh))
	require.NoError(t, s.SwitchTab(ctx, original))
	require.NoError(t, s.Reset(ctx))

	ids, err := s.TabIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{original}, ids)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	require.NoError(t, s.Close(closeCtx))
	require.NoError(t, s.Close(closeCtx))
}
