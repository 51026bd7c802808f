package headless

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/browser"
)

// Config controls how Chrome is launched and the default per-operation
// timeouts of each session.
type Config struct {
	ExecPath        string
	Headless        bool
	UserAgent       string
	WindowWidth     int
	WindowHeight    int
	StartTimeout    time.Duration
	PageLoadTimeout time.Duration
	ScriptTimeout   time.Duration
	// Flags are extra Chrome command-line switches.
	Flags map[string]any
}

const (
	defaultStartTimeout    = 30 * time.Second
	defaultPageLoadTimeout = 45 * time.Second
	defaultScriptTimeout   = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaultStartTimeout
	}
	if c.PageLoadTimeout <= 0 {
		c.PageLoadTimeout = defaultPageLoadTimeout
	}
	if c.ScriptTimeout <= 0 {
		c.ScriptTimeout = defaultScriptTimeout
	}
	return c
}

// Factory launches one Chrome process per session.
type Factory struct {
	cfg    Config
	logger *zap.Logger
}

var _ browser.Factory = (*Factory)(nil)

// NewFactory builds a session factory.
func NewFactory(cfg Config, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cfg: cfg.withDefaults(), logger: logger}
}

// NewSession starts Chrome, waits for the first tab to attach and returns the
// session. The browser lives until Close, independent of ctx.
func (f *Factory) NewSession(ctx context.Context) (browser.Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(f.cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(browserCtx)
	}()

	timer := time.NewTimer(f.cfg.StartTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-started:
	case <-timer.C:
		err = fmt.Errorf("browser did not start within %s", f.cfg.StartTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	c := chromedp.FromContext(browserCtx)
	pid := 0
	if c.Browser != nil {
		if proc := c.Browser.Process(); proc != nil {
			pid = proc.Pid
		}
	}

	s := &Session{
		id:            "chrome-" + uuid.NewString()[:8],
		created:       time.Now(),
		pid:           pid,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tabs:          make(map[target.ID]*tab),
		pageLoad:      f.cfg.PageLoadTimeout,
		script:        f.cfg.ScriptTimeout,
	}
	s.logger = f.logger.With(zap.String("session_id", s.id), zap.Int("pid", pid))
	first := c.Target.TargetID
	s.tabs[first] = &tab{ctx: browserCtx, cancel: browserCancel, first: true}
	s.active = first

	s.logger.Debug("chrome session started")
	return s, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.ModifyCmdFunc(func(cmd *exec.Cmd) {
			setProcessGroup(cmd)
		}),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	}
	for name, value := range cfg.Flags {
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}
