package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"singbox-agent/agent/config"
	"singbox-agent/agent/crypto"
	"singbox-agent/agent/deploy"
	"singbox-agent/agent/models"
	"singbox-agent/agent/process"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// fakes
// =============================================================================

type fakeDeployer struct {
	mu       sync.Mutex
	payloads []string
	result   *models.DeployResult
	phase    deploy.Phase
}

func (d *fakeDeployer) Deploy(_ context.Context, payload string) *models.DeployResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, payload)
	return d.result
}

func (d *fakeDeployer) Phase() deploy.Phase { return d.phase }

func (d *fakeDeployer) LastResult() *models.DeployResult { return d.result }

type fakeProber struct{ status process.DaemonStatus }

func (p fakeProber) Status(context.Context) process.DaemonStatus { return p.status }

type fakeLister struct {
	backups []models.Backup
	err     error
}

func (l fakeLister) List() ([]models.Backup, error) { return l.backups, l.err }

const token = "s3cret"

func testConfig() *config.Config {
	return &config.Config{
		AuthToken: token,
		Server:    config.ServerConfig{Listen: ":0"},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, d *fakeDeployer, status process.DaemonStatus) http.Handler {
	t.Helper()
	if d == nil {
		d = &fakeDeployer{result: &models.DeployResult{ID: "id-1", Outcome: models.OutcomeSucceeded, Success: true, Message: "ok"}, phase: deploy.PhaseIdle}
	}
	lister := fakeLister{backups: []models.Backup{{Name: "business-1.json.bak", Size: 12}}}
	return NewServer(cfg, d, lister, fakeProber{status: status}, http.NotFoundHandler()).Handler()
}

func do(h http.Handler, method, path, auth, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) models.DeployResponse {
	t.Helper()
	var resp models.DeployResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

// =============================================================================
// /deploy
// =============================================================================

func TestDeploy_RequiresExactBearerToken(t *testing.T) {
	d := &fakeDeployer{result: &models.DeployResult{Outcome: models.OutcomeSucceeded, Success: true}}
	h := newTestServer(t, testConfig(), d, process.StatusRunning)

	tests := []struct {
		name string
		auth string
	}{
		{"missing", ""},
		{"wrong token", "Bearer nope"},
		{"prefix of token", "Bearer s3cre"},
		{"basic scheme", "Basic " + token},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, http.MethodPost, "/deploy", tt.auth, `{"payload":"x"}`)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.False(t, decodeResponse(t, rec).Success)
		})
	}
	assert.Empty(t, d.payloads)
}

func TestDeploy_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		result *models.DeployResult
		want   int
	}{
		{"succeeded", &models.DeployResult{Outcome: models.OutcomeSucceeded, Success: true}, http.StatusOK},
		{"busy", &models.DeployResult{Outcome: models.OutcomeBusy, Err: models.ErrLockBusy}, http.StatusLocked},
		{"payload", &models.DeployResult{Outcome: models.OutcomeRejected, Err: models.ErrPayload}, http.StatusBadRequest},
		{"io", &models.DeployResult{Outcome: models.OutcomeRejected, Err: models.ErrIO}, http.StatusInternalServerError},
		{"recovered", &models.DeployResult{Outcome: models.OutcomeRecovered, Err: models.ErrCrashLoop}, http.StatusInternalServerError},
		{"fatal", &models.DeployResult{Outcome: models.OutcomeFatal, Err: models.ErrRollbackFailed}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.result.Message = tt.name
			d := &fakeDeployer{result: tt.result}
			h := newTestServer(t, testConfig(), d, process.StatusRunning)

			rec := do(h, http.MethodPost, "/deploy", "Bearer "+token, `{"payload":"sealed"}`)
			assert.Equal(t, tt.want, rec.Code)
			resp := decodeResponse(t, rec)
			assert.Equal(t, tt.result.Success, resp.Success)
			assert.Equal(t, tt.name, resp.Message)
			assert.Equal(t, []string{"sealed"}, d.payloads)
		})
	}
}

func TestDeploy_MalformedBody(t *testing.T) {
	d := &fakeDeployer{}
	h := newTestServer(t, testConfig(), d, process.StatusRunning)

	rec := do(h, http.MethodPost, "/deploy", "Bearer "+token, `{"payload":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, d.payloads)
}

func TestDeploy_BodyTooLarge(t *testing.T) {
	d := &fakeDeployer{}
	h := newTestServer(t, testConfig(), d, process.StatusRunning)

	body := `{"payload":"` + strings.Repeat("A", maxDeployBody) + `"}`
	rec := do(h, http.MethodPost, "/deploy", "Bearer "+token, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, d.payloads)
}

func TestDeploy_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimit = 0.001
	cfg.Server.RateBurst = 1
	h := newTestServer(t, cfg, nil, process.StatusRunning)

	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/deploy", "Bearer "+token, `{"payload":"a"}`).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, http.MethodPost, "/deploy", "Bearer "+token, `{"payload":"a"}`).Code)
}

// =============================================================================
// whitelist
// =============================================================================

func TestIPWhitelist(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		remote  string
		header  map[string]string
		want    int
	}{
		{"empty list allows all", nil, "203.0.113.9:1234", nil, http.StatusOK},
		{"exact ip", []string{"203.0.113.9"}, "203.0.113.9:1234", nil, http.StatusOK},
		{"cidr", []string{"10.0.0.0/8"}, "10.1.2.3:1234", nil, http.StatusOK},
		{"not listed", []string{"10.0.0.0/8", "192.0.2.1"}, "203.0.113.9:1234", nil, http.StatusForbidden},
		{"forwarded header ignored", []string{"192.0.2.1"}, "203.0.113.9:1234", map[string]string{"X-Forwarded-For": "192.0.2.1"}, http.StatusForbidden},
		{"real ip header ignored", []string{"192.0.2.1"}, "203.0.113.9:1234", map[string]string{"X-Real-IP": "192.0.2.1"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Server.AllowedIPs = tt.allowed
			h := newTestServer(t, cfg, nil, process.StatusRunning)

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

// =============================================================================
// /health /status /backups
// =============================================================================

func TestHealth(t *testing.T) {
	tests := []struct {
		status process.DaemonStatus
		code   int
		want   string
	}{
		{process.StatusRunning, http.StatusOK, "up"},
		{process.StatusStopped, http.StatusServiceUnavailable, "down"},
		{process.StatusUnknown, http.StatusServiceUnavailable, "down"},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			h := newTestServer(t, testConfig(), nil, tt.status)
			rec := do(h, http.MethodGet, "/health", "", "")
			assert.Equal(t, tt.code, rec.Code)

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp.Status)
		})
	}
}

func TestStatus(t *testing.T) {
	d := &fakeDeployer{phase: deploy.PhaseDeploying, result: &models.DeployResult{ID: "id-9", Outcome: models.OutcomeRecovered}}
	h := newTestServer(t, testConfig(), d, process.StatusRunning)

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/status", "", "").Code)

	rec := do(h, http.MethodGet, "/status", "Bearer "+token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "deploying", resp.Phase)
	assert.Equal(t, "running", resp.Daemon)
	require.NotNil(t, resp.LastResult)
	assert.Equal(t, "id-9", resp.LastResult.ID)
}

func TestBackups(t *testing.T) {
	h := newTestServer(t, testConfig(), nil, process.StatusRunning)

	rec := do(h, http.MethodGet, "/backups", "Bearer "+token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var backups []models.Backup
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &backups))
	require.Len(t, backups, 1)
	assert.Equal(t, "business-1.json.bak", backups[0].Name)

	failing := NewServer(testConfig(), &fakeDeployer{}, fakeLister{err: errors.New("disk gone")}, fakeProber{}, nil).Handler()
	assert.Equal(t, http.StatusInternalServerError, do(failing, http.MethodGet, "/backups", "Bearer "+token, "").Code)
}

// =============================================================================
// APIClient
// =============================================================================

// openingDeployer 用真实口令解密，模拟服务端
type openingDeployer struct {
	fakeDeployer
	opener crypto.Opener
	opened []byte
}

func (d *openingDeployer) Deploy(ctx context.Context, payload string) *models.DeployResult {
	plaintext, err := d.opener.Open(payload)
	if err != nil {
		return &models.DeployResult{Outcome: models.OutcomeRejected, Err: err, Message: err.Error()}
	}
	d.opened = plaintext
	return &models.DeployResult{ID: "id-7", Outcome: models.OutcomeSucceeded, Success: true, Message: "ok"}
}

func TestAPIClient_DeployRoundTrip(t *testing.T) {
	d := &openingDeployer{opener: crypto.NewSealer(token)}
	srv := httptest.NewServer(NewServer(testConfig(), d, fakeLister{}, fakeProber{status: process.StatusRunning}, nil).Handler())
	defer srv.Close()

	client := NewAPIClient(srv.URL+"/", token, crypto.NewSealer(token).WithWorkFactor(10), 5*time.Second)
	resp, status, err := client.Deploy(context.Background(), []byte(`{"outbounds":[]}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
	assert.Equal(t, "id-7", resp.DeploymentID)
	assert.Equal(t, `{"outbounds":[]}`, string(d.opened))

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "up", health.Status)

	backups, err := client.Backups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestAPIClient_WrongSecret(t *testing.T) {
	d := &openingDeployer{opener: crypto.NewSealer(token)}
	srv := httptest.NewServer(NewServer(testConfig(), d, fakeLister{}, fakeProber{}, nil).Handler())
	defer srv.Close()

	client := NewAPIClient(srv.URL, token, crypto.NewSealer("other").WithWorkFactor(10), 5*time.Second)
	resp, status, err := client.Deploy(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, resp.Success)

	_, err = NewAPIClient(srv.URL, "bad", nil, time.Second).Status(context.Background())
	assert.Error(t, err)
}
