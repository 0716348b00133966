package httpserver_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/rabbitreels/rabbitreels/internal/adapter/httpserver"
	"github.com/rabbitreels/rabbitreels/internal/adapter/payments"
	"github.com/rabbitreels/rabbitreels/internal/app"
	"github.com/rabbitreels/rabbitreels/internal/config"
	"github.com/rabbitreels/rabbitreels/internal/domain"
	"github.com/rabbitreels/rabbitreels/internal/jobmanager"
	"github.com/rabbitreels/rabbitreels/internal/themes"
	"github.com/rabbitreels/rabbitreels/internal/usecase"
)

// In-memory collaborators. The HTTP tests exercise real usecase services
// over these, so the envelope, status codes, and auth gates are tested
// against the same wiring the binaries use.

type memUsers struct {
	mu     sync.Mutex
	byID   map[string]domain.User
	nextID int
}

func newMemUsers() *memUsers { return &memUsers{byID: map[string]domain.User{}} }

func (m *memUsers) EnsureUser(_ domain.Context, u domain.User, _ int) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.byID {
		if ex.Email == u.Email {
			return ex, nil
		}
	}
	if u.ID == "" {
		m.nextID++
		u.ID = fmt.Sprintf("user-%d", m.nextID)
	}
	u.CreatedAt = time.Now().UTC()
	m.byID[u.ID] = u
	return u, nil
}

func (m *memUsers) GetByID(_ domain.Context, id string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (m *memUsers) GetByEmail(_ domain.Context, email string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return domain.User{}, domain.ErrNotFound
}

type memLedger struct {
	mu       sync.Mutex
	balances map[string]int
}

func newMemLedger() *memLedger { return &memLedger{balances: map[string]int{}} }

func (l *memLedger) Balance(_ domain.Context, userID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID], nil
}

func (l *memLedger) Grant(_ domain.Context, userID string, amount int, _ string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] += amount
	return l.balances[userID], nil
}

func (l *memLedger) Spend(_ domain.Context, userID, _ string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[userID] < 1 {
		return l.balances[userID], domain.ErrInsufficientCredits
	}
	l.balances[userID]--
	return l.balances[userID], nil
}

func (l *memLedger) Refund(_ domain.Context, userID, _ string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID]++
	return l.balances[userID], nil
}

func (l *memLedger) ListTransactions(domain.Context, string, int) ([]domain.CreditTransaction, error) {
	return []domain.CreditTransaction{{ID: 1, Amount: 1, Description: "Welcome credit"}}, nil
}

type memJobs struct {
	mu   sync.Mutex
	rows map[string]domain.Job
}

func newMemJobs() *memJobs { return &memJobs{rows: map[string]domain.Job{}} }

func (r *memJobs) Create(_ domain.Context, j domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j.Status = domain.JobPending
	j.CreatedAt = time.Now().UTC()
	r.rows[j.ID] = j
	return nil
}

func (r *memJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.rows[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (r *memJobs) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *memJobs) ListActive(domain.Context) ([]domain.Job, error) { return nil, nil }

func (r *memJobs) ListByWorker(domain.Context, string) ([]domain.Job, error) { return nil, nil }

func (r *memJobs) ListByUser(_ domain.Context, userID string, _ int) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Job
	for _, j := range r.rows {
		if j.UserID == userID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *memJobs) Assign(_ domain.Context, id, workerID string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}

func (r *memJobs) Start(_ domain.Context, id, workerID string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}

func (r *memJobs) Heartbeat(domain.Context, string, string) error { return nil }

func (r *memJobs) Finish(_ domain.Context, id, _ string, status domain.JobStatus, errMsg string) (domain.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.rows[id]
	j.Status = status
	j.Error = errMsg
	r.rows[id] = j
	return j, true, nil
}

func (r *memJobs) FailPending(_ domain.Context, id, reason string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.rows[id]
	j.Status = domain.JobFailed
	j.Error = reason
	r.rows[id] = j
	return j, nil
}

func (r *memJobs) Requeue(_ domain.Context, id string) (domain.Job, error) {
	return domain.Job{}, domain.ErrForbidden
}

func (r *memJobs) Abandon(_ domain.Context, id, reason string) (domain.Job, error) {
	return domain.Job{}, domain.ErrForbidden
}

// complete is a test helper that drives a job to COMPLETED.
func (r *memJobs) complete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.rows[id]
	j.Status = domain.JobCompleted
	r.rows[id] = j
}

type memCache struct {
	mu    sync.Mutex
	snaps map[string]domain.VideoStatus
}

func newMemCache() *memCache { return &memCache{snaps: map[string]domain.VideoStatus{}} }

func (c *memCache) Put(_ domain.Context, s domain.VideoStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[s.JobID] = s
	return nil
}

func (c *memCache) Get(_ domain.Context, jobID string) (domain.VideoStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snaps[jobID]
	if !ok {
		return domain.VideoStatus{}, domain.ErrNotFound
	}
	return s, nil
}

type memQueue struct {
	mu      sync.Mutex
	prompts []domain.PromptJob
}

func (q *memQueue) PublishPrompt(_ domain.Context, p domain.PromptJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.prompts = append(q.prompts, p)
	return nil
}

func (q *memQueue) PublishRender(domain.Context, domain.PublishJob) error { return nil }

type memIdem struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func (s *memIdem) MarkOnce(_ domain.Context, key string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = map[string]struct{}{}
	}
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = struct{}{}
	return true, nil
}

type countOf struct{ n int64 }

func (c countOf) VideoCount(domain.Context) (int64, error) { return c.n, nil }

const testWebhookSecret = "whsec_test"

type fixture struct {
	srv    *httptest.Server
	users  *memUsers
	ledger *memLedger
	jobs   *memJobs
	queue  *memQueue
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Config{
		APIPrefix:       "/v1",
		JWTSecret:       "test-secret",
		WelcomeCredits:  1,
		RateLimitPerMin: 1000,
	}
	users := newMemUsers()
	ledger := newMemLedger()
	jobs := newMemJobs()
	queue := &memQueue{}
	cache := newMemCache()
	dir := t.TempDir()

	mgr := jobmanager.New(jobs, ledger, queue, cache, jobmanager.Config{MaxRetries: 2})
	reg := themes.Default()
	provider, err := payments.New(payments.Config{WebhookSecret: testWebhookSecret, CheckoutURL: "https://pay.example/session"})
	require.NoError(t, err)

	auth := httpserver.NewAuthenticator(cfg.JWTSecret, users, cfg.WelcomeCredits)
	server := httpserver.NewServer(cfg, auth,
		usecase.NewSubmitService(mgr, ledger, queue, reg),
		usecase.NewQueryService(mgr, cache, countOf{n: 7}, nil, dir),
		usecase.NewBillingService(ledger, provider, &memIdem{}),
		users, reg)

	ts := httptest.NewServer(app.BuildRouter(cfg, server))
	t.Cleanup(ts.Close)
	return &fixture{srv: ts, users: users, ledger: ledger, jobs: jobs, queue: queue, dir: dir}
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// registerUser registers a fresh account and returns its token and user id.
func (f *fixture) registerUser(t *testing.T, email string) (token, userID string) {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"email":    email,
		"password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	return body["token"].(string), body["user_id"].(string)
}

func TestAuthGateRejectsMissingAndBadTokens(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/v1/user/videos", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/v1/user/videos", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestRegisterLoginRoundTrip(t *testing.T) {
	f := newFixture(t)
	_, userID := f.registerUser(t, "a@example.com")
	assert.NotEmpty(t, userID)

	resp := f.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    "a@example.com",
		"password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.NotEmpty(t, body["token"])

	resp = f.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    "a@example.com",
		"password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestSubmitVideoLifecycle(t *testing.T) {
	f := newFixture(t)
	token, userID := f.registerUser(t, "a@example.com")
	f.ledger.balances[userID] = 1

	resp := f.do(t, http.MethodPost, "/v1/videos", token, map[string]any{
		"prompt":          "why is the sky blue",
		"title":           "Sky Science",
		"character_theme": "family_guy",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	jobID := body["job_id"].(string)
	assert.Equal(t, "queued", body["status"])
	require.Len(t, f.queue.prompts, 1)
	assert.Equal(t, "Sky Science", f.queue.prompts[0].Title)

	// Status while queued.
	resp = f.do(t, http.MethodGet, "/v1/videos/"+jobID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "queued", body["status"])

	// File endpoint refuses until the render lands.
	resp = f.do(t, http.MethodGet, "/v1/videos/"+jobID+"/file", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	// Complete the job and drop a real-looking artifact.
	f.jobs.complete(jobID)
	mp4 := append([]byte{0, 0, 0, 0x18, 'f', 't', 'y', 'p', 'm', 'p', '4', '2'}, make([]byte, 64)...)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, jobID+".mp4"), mp4, 0o644))

	resp = f.do(t, http.MethodGet, "/v1/videos/"+jobID+"/file", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	_ = resp.Body.Close()

	// Listing shows the job.
	resp = f.do(t, http.MethodGet, "/v1/user/videos", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Len(t, body["videos"], 1)
}

func TestSubmitVideoRejectsBadTheme(t *testing.T) {
	f := newFixture(t)
	token, userID := f.registerUser(t, "a@example.com")
	f.ledger.balances[userID] = 1

	resp := f.do(t, http.MethodPost, "/v1/videos", token, map[string]any{
		"prompt":          "hi",
		"character_theme": "southpark",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "BAD_THEME", errObj["code"])
	assert.Equal(t, 1, f.ledger.balances[userID], "no charge on rejected submissions")
}

func TestSubmitVideoInsufficientCredits(t *testing.T) {
	f := newFixture(t)
	token, userID := f.registerUser(t, "a@example.com")
	f.ledger.balances[userID] = 0

	resp := f.do(t, http.MethodPost, "/v1/videos", token, map[string]any{
		"prompt":          "hi",
		"character_theme": "family_guy",
	})
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	body := decodeBody(t, resp)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "INSUFFICIENT_CREDITS", errObj["code"])
}

func TestStatusHiddenFromOtherUsers(t *testing.T) {
	f := newFixture(t)
	tokenA, userA := f.registerUser(t, "a@example.com")
	tokenB, _ := f.registerUser(t, "b@example.com")
	f.ledger.balances[userA] = 1

	resp := f.do(t, http.MethodPost, "/v1/videos", tokenA, map[string]any{
		"prompt":          "hi",
		"character_theme": "family_guy",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := decodeBody(t, resp)["job_id"].(string)

	resp = f.do(t, http.MethodGet, "/v1/videos/"+jobID, tokenB, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestBillingEndpoints(t *testing.T) {
	f := newFixture(t)
	token, userID := f.registerUser(t, "a@example.com")
	f.ledger.balances[userID] = 5

	resp := f.do(t, http.MethodGet, "/v1/billing/balance", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 5, decodeBody(t, resp)["credits"])

	resp = f.do(t, http.MethodPost, "/v1/billing/checkout-session", token, map[string]any{"credits": 10})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.NotEmpty(t, body["session_id"])
	assert.NotEmpty(t, body["url"])

	resp = f.do(t, http.MethodGet, "/v1/billing/transactions", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody(t, resp)["transactions"], 1)
}

func TestWebhookSignatureAndIdempotency(t *testing.T) {
	f := newFixture(t)
	_, userID := f.registerUser(t, "a@example.com")

	payload := []byte(fmt.Sprintf(`{"id":"evt_1","type":"checkout.completed","user_id":%q,"credits":10}`, userID))
	send := func(sig string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/billing/webhook", bytes.NewReader(payload))
		require.NoError(t, err)
		req.Header.Set("X-Webhook-Signature", sig)
		resp, err := f.srv.Client().Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := send("bogus")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "INVALID_SIGNATURE", body["error"].(map[string]any)["code"])
	assert.Zero(t, f.ledger.balances[userID])

	sig := payments.Sign(payload, testWebhookSecret)
	resp = send(sig)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
	assert.Equal(t, 10, f.ledger.balances[userID])

	// Replay acknowledges without granting again.
	resp = send(sig)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, true, body["duplicate"])
	assert.Equal(t, 10, f.ledger.balances[userID])
}

func TestPublicEndpoints(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/v1/video-count", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 7, decodeBody(t, resp)["count"])

	resp = f.do(t, http.MethodGet, "/v1/themes", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.ElementsMatch(t, []any{"family_guy", "rick_and_morty"}, decodeBody(t, resp)["themes"])

	resp = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// No checks configured means ready.
	resp = f.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestRequestIDHeaderAndSecurityHeaders(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/v1/themes", "", nil)
	defer func() { _ = resp.Body.Close() }()
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}
