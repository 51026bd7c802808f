package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/app"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/browser/browsertest"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/config"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/pipeline"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/strategy/selector"
)

const listing = `<html><body>
<div class="product"><a class="title" href="/p/kettle">Kettle</a><span class="price">£24.99</span><a class="deal" href="/out/1">Buy</a></div>
<div class="product"><a class="title" href="/p/toaster">Toaster</a><span class="price">£19.50</span><a class="deal" href="/out/2">Buy</a></div>
</body></html>`

const detail = `<html><body><div class="brand">HomeCo</div></body></html>`

// MockSink mocks the pipeline.Sink interface.
type MockSink struct {
	mock.Mock
}

// Save satisfies the pipeline.Sink interface for the mock.
func (m *MockSink) Save(ctx context.Context, res pipeline.Result) error {
	args := m.Called(ctx, res)
	return args.Error(0)
}

type recorder struct {
	mu      sync.Mutex
	results []pipeline.Result
	errs    []error
}

func (r *recorder) Record(_ context.Context, res pipeline.Result, runErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	r.errs = append(r.errs, runErr)
	return nil
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Browser.Capacity = 2
	cfg.Browser.BorrowTimeout = time.Second
	cfg.Resolver.SettleDelay = time.Millisecond
	cfg.Resolver.StabilityDelay = time.Millisecond
	cfg.Pipeline.Workers = 2
	cfg.Sinks.Blob.Enabled = true
	cfg.Sinks.Blob.Backend = config.BlobBackendMemory
	cfg.Ops.Enabled = true
	cfg.Targets = []config.TargetConfig{{
		Name:     "shop",
		StartURL: "https://shop.example/c/small-appliances",
		Config: selector.Config{
			BaseURL:  "https://shop.example",
			Currency: "GBP",
			Listing: selector.ListingSelectors{
				Item:      ".product",
				Name:      ".title",
				Link:      "a.title",
				Price:     ".price",
				OfferLink: "a.deal",
			},
			Detail: selector.DetailSelectors{Brand: ".brand"},
		},
	}}
	return cfg
}

func shopFactory() *browsertest.Factory {
	return &browsertest.Factory{Setup: func(s *browsertest.Session) {
		s.SetPage("https://shop.example/c/small-appliances", listing)
		s.SetPage("https://shop.example/p/kettle", detail)
		s.SetPage("https://shop.example/p/toaster", detail)
		s.SetRedirect("https://shop.example/out/1", "https://merchant-a.example/kettle")
		s.SetRedirect("https://shop.example/out/2", "https://merchant-b.example/toaster")
	}}
}

func TestApp_RunTargetEndToEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory := shopFactory()
	sink := &MockSink{}
	sink.On("Save", mock.Anything, mock.MatchedBy(func(res pipeline.Result) bool {
		return res.Target == "shop" && len(res.Items) == 2
	})).Return(nil).Once()
	status := &recorder{}

	a, err := app.New(ctx, testConfig(), zap.NewNop(),
		app.WithFactory(factory),
		app.WithSink("mock", sink),
		app.WithStatusRecorder(status),
	)
	require.NoError(t, err)
	require.NotNil(t, a.Ops())

	results, err := a.Run(ctx, "shop")
	require.NoError(t, err)
	require.Len(t, results, 1)
	res := results[0]

	require.Equal(t, 2, res.Stats.ItemsHarvested)
	require.Equal(t, 2, res.Stats.EnrichSucceeded)
	require.Equal(t, 2, res.Stats.ResolveSucceeded)
	final := map[string]string{}
	for _, item := range res.Items {
		assert.Equal(t, pipeline.StateResolved, item.State, item.Name)
		assert.Equal(t, "HomeCo", item.Brand)
		require.Len(t, item.Offers, 1)
		final[item.Name] = item.Offers[0].FinalLink()
	}
	assert.Equal(t, map[string]string{
		"Kettle":  "https://merchant-a.example/kettle",
		"Toaster": "https://merchant-b.example/toaster",
	}, final)

	sink.AssertExpectations(t)
	require.Len(t, status.results, 1)
	require.NoError(t, status.errs[0])
	require.Equal(t, res.RunID, status.results[0].RunID)

	a.Close(ctx)
	require.Zero(t, factory.Live())
	require.True(t, a.Pool().Stats().Closed)
}

func TestApp_SinkFailureIsReportedAndRecorded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	boom := errors.New("warehouse offline")
	sink := &MockSink{}
	sink.On("Save", mock.Anything, mock.Anything).Return(boom)
	status := &recorder{}

	a, err := app.New(ctx, testConfig(), nil,
		app.WithFactory(shopFactory()),
		app.WithSink("mock", sink),
		app.WithStatusRecorder(status),
	)
	require.NoError(t, err)
	defer a.Close(ctx)

	results, err := a.Run(ctx, "")
	require.ErrorIs(t, err, boom)
	require.Len(t, results, 1)
	require.Equal(t, 1, results[0].Stats.SinkErrors)
	require.ErrorIs(t, status.errs[0], boom)
}

func TestApp_UnknownTarget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, err := app.New(ctx, testConfig(), nil, app.WithFactory(shopFactory()))
	require.NoError(t, err)
	defer a.Close(ctx)

	_, err = a.Run(ctx, "elsewhere")
	require.ErrorIs(t, err, app.ErrUnknownTarget)
}

func TestApp_HarvestFailureDoesNotStopLaterTargets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig()
	broken := cfg.Targets[0]
	broken.Name = "broken"
	broken.StartURL = "https://down.example/"
	cfg.Targets = append([]config.TargetConfig{broken}, cfg.Targets...)

	factory := shopFactory()
	setup := factory.Setup
	factory.Setup = func(s *browsertest.Session) {
		setup(s)
		s.NavigateHook = func(_ context.Context, url string) error {
			if url == "https://down.example/" {
				return errors.New("net::ERR_NAME_NOT_RESOLVED")
			}
			return nil
		}
	}

	a, err := app.New(ctx, cfg, nil, app.WithFactory(factory))
	require.NoError(t, err)
	defer a.Close(ctx)

	results, err := a.Run(ctx, "")
	require.ErrorIs(t, err, pipeline.ErrHarvestFailed)
	require.Len(t, results, 2)
	require.Equal(t, "broken", results[0].Target)
	require.Len(t, results[1].Items, 2)
}

func TestApp_NewFailsFastOnBadSink(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Sinks.Blob.Backend = "tape"
	factory := shopFactory()
	_, err := app.New(context.Background(), cfg, nil, app.WithFactory(factory))
	require.Error(t, err)
	require.Zero(t, factory.Live())
}
