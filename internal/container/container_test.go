package container

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"margin-trading-go/infrastructure/logger"
)

const testConfig = `
env: test
log:
  level: error
http:
  addr: 127.0.0.1:0
trading:
  default_matching_engine: stp
  fallback_matching_engine: mm
trading_conditions:
  - id: tc1
    margin_call_1: 1.5
    margin_call_2: 1.2
    stop_out: 1
accounts:
  - id: acc1
    client_id: c1
    base_asset: USD
    trading_condition: tc1
    balance: 1000
asset_pairs:
  - id: EURUSD
    base_asset: EUR
    quote_asset: USD
    accuracy: 5
instruments:
  - trading_condition: tc1
    asset_pair: EURUSD
    margin_init: 0.01
    margin_maintenance: 0.005
day_offs:
  always_open: [EURUSD]
matching_engines:
  - id: stp
    mode: Stp
  - id: mm
    mode: MarketMaker
`

func buildContainer(t *testing.T) *Container {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))

	c, err := New(path)
	require.NoError(t, err)
	require.NoError(t, c.Build(context.Background()))
	return c
}

func TestContainer_StartServeStop(t *testing.T) {
	c := buildContainer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Start(ctx))
	assert.NoError(t, c.HealthCheck())

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/accounts/acc1/margin", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "acc1")

	req := httptest.NewRequest(http.MethodPost, "/api/accounts/acc1/withdrawals/w1/freeze", strings.NewReader(`{"amount":"1001"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, c.Stop())
	assert.Error(t, c.HealthCheck())
}

func TestContainer_UnknownConfig(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

type recordingComponent struct {
	name     string
	startErr error
	log      *[]string
}

func (r *recordingComponent) Name() string { return r.name }

func (r *recordingComponent) Start(context.Context) error {
	if r.startErr != nil {
		return r.startErr
	}
	*r.log = append(*r.log, "start "+r.name)
	return nil
}

func (r *recordingComponent) Stop() error {
	*r.log = append(*r.log, "stop "+r.name)
	return nil
}

func (r *recordingComponent) Health() error { return nil }

func TestLifecycleManager_StopsInReverseOrder(t *testing.T) {
	var log []string
	m := NewLifecycleManager()
	m.Register(&recordingComponent{name: "a", log: &log})
	m.Register(&recordingComponent{name: "b", log: &log})

	require.NoError(t, m.StartAll(context.Background()))
	require.NoError(t, m.StopAll())
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)
}

func TestLifecycleManager_RollsBackOnStartFailure(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	m := NewLifecycleManager()
	m.Register(&recordingComponent{name: "a", log: &log})
	m.Register(&recordingComponent{name: "b", log: &log})
	m.Register(&recordingComponent{name: "c", startErr: boom, log: &log})

	err := m.StartAll(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "start c")
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)
}

func TestBackgroundComponent_ReportsExitError(t *testing.T) {
	boom := errors.New("boom")
	b := &backgroundComponent{
		name:   "worker",
		run:    func(context.Context) error { return boom },
		logger: logger.NewNop(),
	}
	assert.Error(t, b.Health())

	require.NoError(t, b.Start(context.Background()))
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	<-done
	assert.ErrorIs(t, b.Health(), boom)
	assert.NoError(t, b.Stop())
}

func TestBackgroundComponent_StopCancelsRun(t *testing.T) {
	b := &backgroundComponent{
		name: "worker",
		run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		logger: logger.NewNop(),
	}
	require.NoError(t, b.Start(context.Background()))
	assert.NoError(t, b.Health())
	assert.NoError(t, b.Stop())
	assert.Error(t, b.Health())
}

func TestHTTPServerComponent_ListenError(t *testing.T) {
	h := &httpServerComponent{name: "api", handler: http.NotFoundHandler(), addr: "bad-addr", logger: logger.NewNop()}
	assert.Error(t, h.Start(context.Background()))
	assert.Error(t, h.Health())
}
