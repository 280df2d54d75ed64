package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/spaceai-gateway/internal/audit"
	"github.com/xela07ax/spaceai-gateway/internal/budget"
	"github.com/xela07ax/spaceai-gateway/internal/connectors"
	"github.com/xela07ax/spaceai-gateway/internal/console/handler"
	"github.com/xela07ax/spaceai-gateway/internal/console/service"
	"github.com/xela07ax/spaceai-gateway/internal/domain"
	"github.com/xela07ax/spaceai-gateway/internal/engine"
	"github.com/xela07ax/spaceai-gateway/internal/infra/auth"
	"github.com/xela07ax/spaceai-gateway/internal/router"
	"github.com/xela07ax/spaceai-gateway/internal/rules"
)

const ruleFile = `
version: v1
backends:
  - {id: remote, tier: REMOTE_ALLOWED, cost_per_unit: 0.01, capabilities: [chat], budget_cap: 10}
  - {id: local, tier: LOCAL_ONLY, capabilities: [chat]}
`

type fixture struct {
	srv      http.Handler
	recorder *audit.Recorder
	ruleFile string
	halts    *engine.KillSwitchManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ruleFile), 0o644))
	set, err := rules.LoadFile(path)
	require.NoError(t, err)
	store := rules.NewStore(set, path, logger)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	hash := func(pw string) string {
		h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
		require.NoError(t, err)
		return string(h)
	}
	authSvc := service.NewAuthService(service.NewStaticOperators([]domain.Operator{
		{Username: "root", PasswordHash: hash("s3cret"), Scopes: []string{"admin"}},
		{Username: "auditor", PasswordHash: hash("audit"), Scopes: []string{domain.ScopeAuditRead}},
	}), key, time.Hour)

	ledger := budget.NewLedger(budget.Config{Window: time.Hour}, nil, logger)
	ledger.SyncBackends(set.Backends)
	rt := router.New(router.Config{}, ledger, connectors.NewRegistry(logger), logger)

	rec := audit.NewRecorder(audit.NewMemoryStore(), audit.Config{}, logger)
	rec.Start()
	t.Cleanup(rec.Stop)

	halts := engine.NewKillSwitchManager(nil)
	reg := prometheus.NewRegistry()
	engine.NewMetrics(reg).WatchBudget(ledger.Snapshot)

	srv := NewConsoleServer(logger,
		auth.NewMiddleware(authSvc, logger),
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		handler.NewAuthHandler(authSvc, logger),
		handler.NewBudgetHandler(service.NewBudgetService(ledger, store, logger), logger),
		handler.NewAuditHandler(service.NewAuditService(rec), logger),
		handler.NewRulesHandler(service.NewRulesService(store, engine.NewRulesReloader(store, nil, logger), halts, rt, nil, nil, logger), logger),
	)
	return &fixture{srv: srv, recorder: rec, ruleFile: path, halts: halts}
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) login(t *testing.T, user, password string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/auth/token", "", `{"username":"`+user+`","password":"`+password+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp domain.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.EqualValues(t, 3600, resp.ExpiresIn)
	return resp.AccessToken
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	assert.NotEmpty(t, f.login(t, "root", "s3cret"))

	rec := f.do(t, http.MethodPost, "/auth/token", "", `{"username":"root","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.do(t, http.MethodPost, "/auth/token", "", `{"username":"nobody","password":"s3cret"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.do(t, http.MethodPost, "/auth/token", "", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScopes(t *testing.T) {
	f := newFixture(t)
	auditor := f.login(t, "auditor", "audit")

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/budget", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/budget", "garbage", "").Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/v1/budget", auditor, "").Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/v1/rules/reload", auditor, "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/traces", auditor, "").Code)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "", "").Code)
	metrics := f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), `gateway_budget_cap{backend_id="remote"} 10`)
}

func TestBudgetControls(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "root", "s3cret")

	rec := f.do(t, http.MethodGet, "/v1/budget", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var windows []budget.Window
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &windows))
	require.NotEmpty(t, windows)
	assert.Equal(t, budget.GlobalWindow, windows[0].BackendID)

	rec = f.do(t, http.MethodPut, "/v1/budget/remote/cap", token, `{"cap": 25}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var w budget.Window
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w))
	assert.Equal(t, "remote", w.BackendID)
	assert.InDelta(t, 25, w.Cap, 1e-9)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/v1/budget/remote/cap", token, `{"cap": -1}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/v1/budget/remote/cap", token, `{}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/v1/budget/ghost/cap", token, `{"cap": 1}`).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/v1/budget/*/cap", token, `{"cap": 100}`).Code)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/budget/remote/reset", token, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/budget/ghost/reset", token, "").Code)
}

func TestTraces(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "auditor", "audit")
	ctx := context.Background()

	before := time.Now().UTC().Add(-time.Second)
	saved, err := f.recorder.Append(ctx, domain.Trace{TaskID: "task-1", Outcome: domain.OutcomeServed, BackendID: "local"})
	require.NoError(t, err)
	f.recorder.Log(domain.Trace{TaskID: "task-2", Outcome: domain.OutcomeCacheServed})

	rec := f.do(t, http.MethodGet, "/v1/traces/task-1", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tr domain.Trace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr))
	assert.Equal(t, saved.ID, tr.ID)
	assert.Equal(t, domain.OutcomeServed, tr.Outcome)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/traces/missing", token, "").Code)

	q := url.Values{"from": {before.Format(time.RFC3339Nano)}, "limit": {"10"}}
	rec = f.do(t, http.MethodGet, "/v1/traces?"+q.Encode(), token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []domain.Trace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "task-1", list[0].TaskID)

	q = url.Values{"from": {before.Format(time.RFC3339Nano)}, "to": {before.Add(-time.Hour).Format(time.RFC3339Nano)}}
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/traces?"+q.Encode(), token, "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/traces?from=yesterday", token, "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/traces?limit=-3", token, "").Code)
}

func TestRulesReload(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "root", "s3cret")

	rec := f.do(t, http.MethodPost, "/v1/rules/reload", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st service.RulesStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.Changed)
	v1 := st.Version

	require.NoError(t, os.WriteFile(f.ruleFile, []byte(strings.Replace(ruleFile, "version: v1", "version: v2", 1)), 0o644))
	rec = f.do(t, http.MethodPost, "/v1/rules/reload", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Changed)
	assert.True(t, strings.HasPrefix(st.Version, "v2@"))
	assert.NotEqual(t, v1, st.Version)

	// A broken table is refused and v2 stays installed.
	require.NoError(t, os.WriteFile(f.ruleFile, []byte("backends:\n  - {id: x, tier: ORBITAL}\n"), 0o644))
	rec = f.do(t, http.MethodPost, "/v1/rules/reload", token, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), st.Version)

	rec = f.do(t, http.MethodGet, "/v1/rules", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cur service.RulesStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cur))
	assert.Equal(t, st.Version, cur.Version)
	assert.Equal(t, 2, cur.Backends)
}

func TestKillSwitch(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "root", "s3cret")

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPut, "/v1/backends/remote/halt", token, "").Code)
	assert.True(t, f.halts.IsHalted("remote"))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/v1/backends/ghost/halt", token, "").Code)

	rec := f.do(t, http.MethodGet, "/v1/backends/halted", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"halted":["remote"]}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/backends", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var views []service.BackendView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "remote", views[0].ID)
	assert.True(t, views[0].Halted)
	assert.True(t, views[0].Live)
	assert.False(t, views[1].Halted)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/backends/remote/halt", token, "").Code)
	assert.False(t, f.halts.IsHalted("remote"))
}
