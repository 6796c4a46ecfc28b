package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotsave/spotsave/internal/aws/cost"
	stsclient "github.com/spotsave/spotsave/internal/aws/sts"
	"github.com/spotsave/spotsave/internal/retry"
	"github.com/spotsave/spotsave/internal/store"
)

type memUserStore struct {
	mu    sync.Mutex
	users map[string]store.User // by id
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: make(map[string]store.User)}
}

func (s *memUserStore) CreateUser(u store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *memUserStore) GetUserByUsername(username string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			u := u
			return &u, nil
		}
	}
	return nil, nil
}

func (s *memUserStore) GetUserByID(id string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

type memBindings struct {
	mu       sync.Mutex
	bindings map[string]store.RoleBinding
}

func newMemBindings() *memBindings {
	return &memBindings{bindings: make(map[string]store.RoleBinding)}
}

func (s *memBindings) SaveRoleBinding(userID string, b store.RoleBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[userID] = b
	return nil
}

func (s *memBindings) GetRoleBinding(userID string) (*store.RoleBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[userID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *memBindings) DeleteRoleBinding(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, userID)
	return nil
}

type fakeAssumer struct {
	mu     sync.Mutex
	params []stsclient.AssumeRoleParams
	fn     func(p stsclient.AssumeRoleParams) (stsclient.Credentials, error)
}

func (a *fakeAssumer) AssumeRole(_ context.Context, p stsclient.AssumeRoleParams) (stsclient.Credentials, error) {
	a.mu.Lock()
	a.params = append(a.params, p)
	a.mu.Unlock()
	if a.fn != nil {
		return a.fn(p)
	}
	return stsclient.Credentials{
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secret",
		SessionToken:    "token",
		Expiration:      time.Now().Add(30 * time.Minute).Unix(),
	}, nil
}

type fakeCostProvider struct {
	costs    func() (*cost.CostSummary, error)
	forecast func() (*cost.ForecastSummary, error)
	recs     func() (*cost.RecommendationSummary, error)
}

func (f *fakeCostProvider) GetCostAndUsage(context.Context, string, string) (*cost.CostSummary, error) {
	if f.costs != nil {
		return f.costs()
	}
	return &cost.CostSummary{TotalCost: 100, Currency: "USD", MonthlyCosts: []cost.MonthlyCost{{Month: "2026-01", Amount: 100}}}, nil
}

func (f *fakeCostProvider) GetCostForecast(context.Context, string, string) (*cost.ForecastSummary, error) {
	if f.forecast != nil {
		return f.forecast()
	}
	return &cost.ForecastSummary{Forecast: []cost.ForecastPoint{{TimePeriod: "2026-02-01", MeanValue: "120"}}}, nil
}

func (f *fakeCostProvider) GetRightsizingRecommendations(context.Context) (*cost.RecommendationSummary, error) {
	if f.recs != nil {
		return f.recs()
	}
	return &cost.RecommendationSummary{}, nil
}

type fakeIdleScanner struct {
	fn func() ([]cost.Recommendation, error)
}

func (f *fakeIdleScanner) IdleResourceRecommendations(context.Context) ([]cost.Recommendation, error) {
	if f.fn != nil {
		return f.fn()
	}
	return nil, nil
}

type fixture struct {
	srv      *Server
	ts       *httptest.Server
	client   *http.Client
	provider *fakeCostProvider
	scanner  *fakeIdleScanner
	assumer  *fakeAssumer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	assumer := &fakeAssumer{}
	manager := store.NewManager(newMemBindings(), assumer, log, store.ManagerConfig{})

	sessions := scs.New()
	srv := New(newMemUserStore(), sessions, manager, assumer, "us-east-1", 45*time.Minute, log)
	srv.retryOpts = retry.Options{Sleep: func(context.Context, time.Duration) error { return nil }}

	provider := &fakeCostProvider{}
	scanner := &fakeIdleScanner{}
	srv.newCostClient = func(stsclient.Credentials) costProvider { return provider }
	srv.newIdleScanner = func(stsclient.Credentials) idleScanner { return scanner }

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &fixture{
		srv:      srv,
		ts:       ts,
		client:   &http.Client{Jar: jar},
		provider: provider,
		scanner:  scanner,
		assumer:  assumer,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	require.NoError(t, err)
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/auth/register", credentialsRequest{Username: "alice", Password: "hunter2hunter2"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/aws/assume-role", assumeRoleRequest{
		RoleArn:    "arn:aws:iam::123456789012:role/SpotSaveReadOnlyRole",
		ExternalID: "external-id-1234",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRegisterLoginLogout(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/auth/register", credentialsRequest{Username: "alice", Password: "hunter2hunter2"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// duplicate username
	resp = f.do(t, http.MethodPost, "/api/auth/register", credentialsRequest{Username: "alice", Password: "hunter2hunter2"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/auth/logout", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// logged out sessions can't reach protected routes
	resp = f.do(t, http.MethodPost, "/api/aws/costs", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/auth/login", credentialsRequest{Username: "alice", Password: "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/auth/login", credentialsRequest{Username: "alice", Password: "hunter2hunter2"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/auth/register", credentialsRequest{Username: "al", Password: "hunter2hunter2"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/auth/register", credentialsRequest{Username: "alice", Password: "short"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAssumeRoleSuccess(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	resp := f.do(t, http.MethodPost, "/api/aws/assume-role", assumeRoleRequest{
		RoleArn:    "arn:aws:iam::123456789012:role/SpotSaveReadOnlyRole",
		ExternalID: "  external-id-1234  ",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Credentials stsclient.Credentials `json:"credentials"`
		Message     string                `json:"message"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "AKIAEXAMPLE", body.Credentials.AccessKeyID)
	assert.Equal(t, "Successfully assumed role", body.Message)

	// configured credential TTL reaches the provider
	f.assumer.mu.Lock()
	require.Len(t, f.assumer.params, 1)
	assert.Equal(t, int32(2700), f.assumer.params[0].DurationSeconds)
	f.assumer.mu.Unlock()

	// connection status reflects the new binding
	resp = f.do(t, http.MethodGet, "/api/aws/connection", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]any
	decodeBody(t, resp, &status)
	assert.Equal(t, true, status["connected"])
	assert.Equal(t, "123456789012", status["accountId"])
}

func TestAssumeRoleValidation(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	tests := []struct {
		name string
		req  assumeRoleRequest
	}{
		{"missing role arn", assumeRoleRequest{ExternalID: "external-id-1234"}},
		{"missing external id", assumeRoleRequest{RoleArn: "arn:aws:iam::123456789012:role/SpotSaveReadOnlyRole"}},
		{"external id too short", assumeRoleRequest{RoleArn: "arn:aws:iam::123456789012:role/SpotSaveReadOnlyRole", ExternalID: "x"}},
		{"external id bad characters", assumeRoleRequest{RoleArn: "arn:aws:iam::123456789012:role/SpotSaveReadOnlyRole", ExternalID: "bad!chars#"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/aws/assume-role", tt.req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			resp.Body.Close()
		})
	}
}

func TestAssumeRoleErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid role", stsclient.ErrInvalidRole, http.StatusBadRequest},
		{"permission denied", stsclient.ErrPermissionDenied, http.StatusForbidden},
		{"unknown", errors.New("throttled"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.login(t)
			f.assumer.fn = func(stsclient.AssumeRoleParams) (stsclient.Credentials, error) {
				return stsclient.Credentials{}, tt.err
			}

			resp := f.do(t, http.MethodPost, "/api/aws/assume-role", assumeRoleRequest{
				RoleArn:    "arn:aws:iam::123456789012:role/SpotSaveReadOnlyRole",
				ExternalID: "external-id-1234",
			})
			assert.Equal(t, tt.status, resp.StatusCode)

			var body map[string]string
			decodeBody(t, resp, &body)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestCostsUsesStoredConnection(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.connect(t)

	resp := f.do(t, http.MethodPost, "/api/aws/costs", costRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary cost.CostSummary
	decodeBody(t, resp, &summary)
	assert.Equal(t, 100.0, summary.TotalCost)
}

func TestCostsWithoutConnection(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	resp := f.do(t, http.MethodPost, "/api/aws/costs", costRequest{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestCostsWithExpiredCredentials(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	expired := &stsclient.Credentials{
		AccessKeyID: "AKIAEXPIRED",
		Expiration:  time.Now().Add(-time.Hour).Unix(),
	}
	resp := f.do(t, http.MethodPost, "/api/aws/costs", costRequest{Credentials: expired})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestCostsProviderError(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.connect(t)
	f.provider.costs = func() (*cost.CostSummary, error) {
		return nil, errors.New("throttled")
	}

	resp := f.do(t, http.MethodPost, "/api/aws/costs", costRequest{})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// the provider's message survives to the client
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Contains(t, body["error"], "throttled")
}

func TestRecommendationsMergesIdleScan(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.connect(t)

	f.provider.recs = func() (*cost.RecommendationSummary, error) {
		return &cost.RecommendationSummary{
			Recommendations:       []cost.Recommendation{{Type: cost.TypeRightsizing, PotentialSavings: 120}},
			TotalPotentialSavings: 120,
		}, nil
	}
	f.scanner.fn = func() ([]cost.Recommendation, error) {
		return []cost.Recommendation{{Type: cost.TypeIdleResource, PotentialSavings: 16}}, nil
	}

	resp := f.do(t, http.MethodPost, "/api/aws/recommendations", costRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary cost.RecommendationSummary
	decodeBody(t, resp, &summary)
	require.Len(t, summary.Recommendations, 2)
	assert.Equal(t, 136.0, summary.TotalPotentialSavings)
}

func TestRecommendationsIdleScanFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.connect(t)
	f.scanner.fn = func() ([]cost.Recommendation, error) {
		return nil, errors.New("ec2 unavailable")
	}

	resp := f.do(t, http.MethodPost, "/api/aws/recommendations", costRequest{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRefreshCachesAllSummaries(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.connect(t)

	resp := f.do(t, http.MethodPost, "/api/aws/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summaries store.Summaries
	decodeBody(t, resp, &summaries)
	require.NotNil(t, summaries.Cost)
	require.NotNil(t, summaries.Forecast)
	require.NotNil(t, summaries.Recommendations)

	// export now has data to serve
	resp = f.do(t, http.MethodPost, "/api/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "spotsave-export-")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	lines := strings.Split(string(body), "\n")
	assert.Equal(t, "Type,Date,Service,Cost,Description", lines[0])
}

func TestRefreshFailureCachesNothing(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.connect(t)
	f.provider.forecast = func() (*cost.ForecastSummary, error) {
		return nil, errors.New("throttled")
	}

	resp := f.do(t, http.MethodPost, "/api/aws/refresh", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Contains(t, body["error"], "throttled")

	// nothing cached means nothing to export
	resp = f.do(t, http.MethodPost, "/api/export", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestConnectionRefreshRotatesCredentials(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.connect(t)

	f.assumer.fn = func(stsclient.AssumeRoleParams) (stsclient.Credentials, error) {
		return stsclient.Credentials{
			AccessKeyID: "AKIAROTATED",
			Expiration:  time.Now().Add(30 * time.Minute).Unix(),
		}, nil
	}

	resp := f.do(t, http.MethodPost, "/api/aws/connection/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Credentials stsclient.Credentials `json:"credentials"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "AKIAROTATED", body.Credentials.AccessKeyID)
}

func TestConnectionRefreshWithoutBinding(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	resp := f.do(t, http.MethodPost, "/api/aws/connection/refresh", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestConnectionRefreshErrorMapping(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.connect(t)
	f.assumer.fn = func(stsclient.AssumeRoleParams) (stsclient.Credentials, error) {
		return stsclient.Credentials{}, stsclient.ErrPermissionDenied
	}

	resp := f.do(t, http.MethodPost, "/api/aws/connection/refresh", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.connect(t)

	resp := f.do(t, http.MethodDelete, "/api/aws/connection", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/aws/connection", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]any
	decodeBody(t, resp, &status)
	assert.Equal(t, false, status["connected"])
}

func TestTrustPolicyEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/policy/trust?accountId=123456789012&externalId=external-id-1234", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]any
	decodeBody(t, resp, &doc)
	assert.Equal(t, "2012-10-17", doc["Version"])

	resp = f.do(t, http.MethodGet, "/api/policy/trust?accountId=bogus&externalId=external-id-1234", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestTemplateEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/template?externalId=external-id-1234", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	assert.Contains(t, resp.Header.Get("Content-Disposition"), "spotsave-role.yaml")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "SpotSaveReadOnlyRole")
	assert.Contains(t, string(body), "external-id-1234")
}

func TestSecurityHeaders(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/policy/permissions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestIPRateLimiter(t *testing.T) {
	rl := newIPRateLimiter(1, 2)

	assert.True(t, rl.allow("10.0.0.1"))
	assert.True(t, rl.allow("10.0.0.1"))
	assert.False(t, rl.allow("10.0.0.1"))

	// separate bucket per IP
	assert.True(t, rl.allow("10.0.0.2"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1:1234", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(req))
}
