package jobmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rabbitreels/rabbitreels/internal/domain"
)

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]domain.Job

	finishWon  bool
	requeueErr error
	abandonErr error
	listErr    error
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[string]domain.Job{}, finishWon: true}
}

func (f *fakeJobRepo) Create(_ domain.Context, j domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[j.ID]; ok {
		return domain.ErrConflict
	}
	j.Status = domain.JobPending
	f.jobs[j.ID] = j
	return nil
}

func (f *fakeJobRepo) Get(_ domain.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobRepo) Delete(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
	return nil
}

func (f *fakeJobRepo) ListActive(domain.Context) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.Job
	for _, j := range f.jobs {
		if !j.Status.Terminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobRepo) ListByWorker(_ domain.Context, workerID string) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for _, j := range f.jobs {
		if j.WorkerID == workerID && !j.Status.Terminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobRepo) ListByUser(_ domain.Context, userID string, _ int) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for _, j := range f.jobs {
		if j.UserID == userID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobRepo) Assign(_ domain.Context, id, workerID string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if j.Status != domain.JobPending && j.Status != domain.JobRetrying {
		return domain.Job{}, domain.ErrForbidden
	}
	now := time.Now().UTC()
	j.Status = domain.JobAssigned
	j.WorkerID = workerID
	j.AssignedAt = &now
	f.jobs[id] = j
	return j, nil
}

func (f *fakeJobRepo) Start(_ domain.Context, id, workerID string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if j.Status != domain.JobAssigned || j.WorkerID != workerID {
		return domain.Job{}, domain.ErrForbidden
	}
	now := time.Now().UTC()
	j.Status = domain.JobProcessing
	j.StartedAt = &now
	j.HeartbeatAt = &now
	f.jobs[id] = j
	return j, nil
}

func (f *fakeJobRepo) Heartbeat(_ domain.Context, id, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.WorkerID != workerID {
		return domain.ErrForbidden
	}
	now := time.Now().UTC()
	j.HeartbeatAt = &now
	f.jobs[id] = j
	return nil
}

func (f *fakeJobRepo) Finish(_ domain.Context, id, workerID string, status domain.JobStatus, errMsg string) (domain.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, false, domain.ErrNotFound
	}
	if !f.finishWon {
		return j, false, nil
	}
	if j.Status != domain.JobProcessing || j.WorkerID != workerID {
		return domain.Job{}, false, domain.ErrForbidden
	}
	now := time.Now().UTC()
	j.Status = status
	j.Error = errMsg
	j.CompletedAt = &now
	f.jobs[id] = j
	return j, true, nil
}

func (f *fakeJobRepo) FailPending(_ domain.Context, id, reason string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if j.Status != domain.JobPending {
		return domain.Job{}, domain.ErrForbidden
	}
	now := time.Now().UTC()
	j.Status = domain.JobFailed
	j.Error = reason
	j.CompletedAt = &now
	f.jobs[id] = j
	return j, nil
}

func (f *fakeJobRepo) Requeue(_ domain.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requeueErr != nil {
		return domain.Job{}, f.requeueErr
	}
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if j.RetryCount >= j.MaxRetries {
		return domain.Job{}, domain.ErrForbidden
	}
	j.Status = domain.JobRetrying
	j.WorkerID = ""
	j.AssignedAt = nil
	j.StartedAt = nil
	j.HeartbeatAt = nil
	j.RetryCount++
	j.UpdatedAt = time.Now().UTC()
	f.jobs[id] = j
	return j, nil
}

func (f *fakeJobRepo) Abandon(_ domain.Context, id, reason string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.abandonErr != nil {
		return domain.Job{}, f.abandonErr
	}
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if j.RetryCount < j.MaxRetries {
		return domain.Job{}, domain.ErrForbidden
	}
	j.Status = domain.JobAbandoned
	j.Error = reason
	f.jobs[id] = j
	return j, nil
}

type fakeLedger struct {
	mu      sync.Mutex
	refunds []string
	grants  []string
	spends  []string
}

func (f *fakeLedger) Balance(domain.Context, string) (int, error) { return 0, nil }

func (f *fakeLedger) Grant(_ domain.Context, userID string, _ int, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants = append(f.grants, userID)
	return 1, nil
}

func (f *fakeLedger) Spend(_ domain.Context, userID, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spends = append(f.spends, userID)
	return 0, nil
}

func (f *fakeLedger) Refund(_ domain.Context, userID, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, userID)
	return 1, nil
}

func (f *fakeLedger) ListTransactions(domain.Context, string, int) ([]domain.CreditTransaction, error) {
	return nil, nil
}

func (f *fakeLedger) refundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refunds)
}

type fakeQueue struct {
	mu         sync.Mutex
	prompts    []domain.PromptJob
	renders    []domain.PublishJob
	promptErrs int
}

func (f *fakeQueue) PublishPrompt(_ domain.Context, p domain.PromptJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.promptErrs > 0 {
		f.promptErrs--
		return errors.New("broker unavailable")
	}
	f.prompts = append(f.prompts, p)
	return nil
}

func (f *fakeQueue) PublishRender(_ domain.Context, p domain.PublishJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renders = append(f.renders, p)
	return nil
}

func (f *fakeQueue) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fakeCache struct {
	mu    sync.Mutex
	snaps map[string]domain.VideoStatus
}

func newFakeCache() *fakeCache {
	return &fakeCache{snaps: map[string]domain.VideoStatus{}}
}

func (f *fakeCache) Put(_ domain.Context, s domain.VideoStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[s.JobID] = s
	return nil
}

func (f *fakeCache) Get(_ domain.Context, jobID string) (domain.VideoStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[jobID]
	if !ok {
		return domain.VideoStatus{}, domain.ErrNotFound
	}
	return s, nil
}

func testConfig() Config {
	return Config{
		JobTimeout:       30 * time.Minute,
		HeartbeatTimeout: 2 * time.Minute,
		MaxRetries:       2,
		RecoveryInterval: 30 * time.Second,
	}
}

func newTestManager() (*Manager, *fakeJobRepo, *fakeLedger, *fakeQueue, *fakeCache) {
	repo := newFakeJobRepo()
	ledger := &fakeLedger{}
	queue := &fakeQueue{}
	cache := newFakeCache()
	return New(repo, ledger, queue, cache, testConfig()), repo, ledger, queue, cache
}

func TestManagerCreateDefaultsRetriesAndMirrors(t *testing.T) {
	m, _, _, _, cache := newTestManager()
	ctx := context.Background()

	err := m.Create(ctx, domain.Job{ID: "job-1", UserID: "u-1"})
	require.NoError(t, err)

	snap, err := cache.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "queued", snap.Status)

	j, err := m.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, j.MaxRetries)
	assert.Equal(t, domain.JobPending, j.Status)
}

func TestManagerCompleteSuccess(t *testing.T) {
	m, _, ledger, _, cache := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, domain.Job{ID: "job-1", UserID: "u-1"}))
	_, err := m.Assign(ctx, "job-1", "worker-a")
	require.NoError(t, err)
	_, err = m.Start(ctx, "job-1", "worker-a")
	require.NoError(t, err)

	j, err := m.Complete(ctx, "job-1", "worker-a", true, "")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, j.Status)
	assert.Zero(t, ledger.refundCount())

	snap, err := cache.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "done", snap.Status)
	assert.Equal(t, "/videos/job-1/file", snap.DownloadURL)
	assert.InDelta(t, 1.0, snap.Progress, 1e-9)
}

func TestManagerCompleteFailureRefunds(t *testing.T) {
	m, _, ledger, _, cache := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, domain.Job{ID: "job-1", UserID: "u-1"}))
	_, err := m.Assign(ctx, "job-1", "worker-a")
	require.NoError(t, err)
	_, err = m.Start(ctx, "job-1", "worker-a")
	require.NoError(t, err)

	j, err := m.Complete(ctx, "job-1", "worker-a", false, "render crashed")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Equal(t, []string{"u-1"}, ledger.refunds)

	snap, err := cache.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "error", snap.Status)
	assert.Equal(t, "render crashed", snap.ErrorMsg)
}

func TestManagerCompleteDuplicateDeliverySkipsSideEffects(t *testing.T) {
	m, repo, ledger, _, _ := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, domain.Job{ID: "job-1", UserID: "u-1"}))
	repo.finishWon = false

	_, err := m.Complete(ctx, "job-1", "worker-a", false, "render crashed")
	require.NoError(t, err)
	assert.Zero(t, ledger.refundCount(), "a lost finish race must not refund again")
}

func TestManagerWrongWorkerCannotFinish(t *testing.T) {
	m, _, _, _, _ := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, domain.Job{ID: "job-1", UserID: "u-1"}))
	_, err := m.Assign(ctx, "job-1", "worker-a")
	require.NoError(t, err)
	_, err = m.Start(ctx, "job-1", "worker-a")
	require.NoError(t, err)

	_, err = m.Complete(ctx, "job-1", "worker-b", true, "")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestManagerStatistics(t *testing.T) {
	m, repo, _, _, _ := newTestManager()
	ctx := context.Background()

	started := time.Now().UTC().Add(-4 * time.Minute)
	repo.jobs["p1"] = domain.Job{ID: "p1", Status: domain.JobPending}
	repo.jobs["p2"] = domain.Job{ID: "p2", Status: domain.JobPending}
	repo.jobs["a1"] = domain.Job{ID: "a1", Status: domain.JobAssigned, WorkerID: "w1"}
	repo.jobs["x1"] = domain.Job{ID: "x1", Status: domain.JobProcessing, WorkerID: "w1", StartedAt: &started}
	repo.jobs["x2"] = domain.Job{ID: "x2", Status: domain.JobProcessing, WorkerID: "w2", StartedAt: &started}
	repo.jobs["r1"] = domain.Job{ID: "r1", Status: domain.JobRetrying}

	stats, err := m.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Assigned)
	assert.Equal(t, 2, stats.Processing)
	assert.Equal(t, 1, stats.Retrying)
	assert.Equal(t, 2, stats.WorkersWithJobs)
	assert.InDelta(t, 4*time.Minute, stats.AvgProcessingTime, float64(5*time.Second))
}

func TestRecoveryRequeuesTimedOutJob(t *testing.T) {
	m, repo, ledger, queue, cache := newTestManager()
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Hour)
	repo.jobs["job-1"] = domain.Job{
		ID:          "job-1",
		UserID:      "u-1",
		Status:      domain.JobProcessing,
		WorkerID:    "worker-a",
		StartedAt:   &stale,
		HeartbeatAt: &stale,
		MaxRetries:  2,
		Payload:     domain.PromptJob{JobID: "job-1", Prompt: "why is the sky blue", CharacterTheme: "family_guy"},
	}

	m.sweepOnce(ctx)

	j, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobRetrying, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	assert.Empty(t, j.WorkerID)
	assert.Equal(t, 1, queue.promptCount())
	assert.Zero(t, ledger.refundCount())

	snap, err := cache.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "queued", snap.Status)
}

func TestRecoveryAbandonsExhaustedJobAndRefunds(t *testing.T) {
	m, repo, ledger, queue, cache := newTestManager()
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Hour)
	repo.jobs["job-1"] = domain.Job{
		ID:          "job-1",
		UserID:      "u-1",
		Status:      domain.JobProcessing,
		WorkerID:    "worker-a",
		StartedAt:   &stale,
		HeartbeatAt: &stale,
		RetryCount:  2,
		MaxRetries:  2,
	}

	m.sweepOnce(ctx)

	j, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobAbandoned, j.Status)
	assert.Equal(t, []string{"u-1"}, ledger.refunds)
	assert.Zero(t, queue.promptCount())

	snap, err := cache.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "error", snap.Status)
}

func TestRecoveryLeavesHealthyJobsAlone(t *testing.T) {
	m, repo, ledger, queue, _ := newTestManager()
	ctx := context.Background()

	fresh := time.Now().UTC().Add(-10 * time.Second)
	repo.jobs["job-1"] = domain.Job{
		ID:          "job-1",
		Status:      domain.JobProcessing,
		WorkerID:    "worker-a",
		StartedAt:   &fresh,
		HeartbeatAt: &fresh,
		MaxRetries:  2,
	}
	repo.jobs["job-2"] = domain.Job{ID: "job-2", Status: domain.JobPending, MaxRetries: 2}

	m.sweepOnce(ctx)

	j, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, j.Status)
	assert.Zero(t, j.RetryCount)
	assert.Zero(t, queue.promptCount())
	assert.Zero(t, ledger.refundCount())
}

func TestRecoveryRepublishFailureKeepsJobRetrying(t *testing.T) {
	m, repo, _, queue, _ := newTestManager()
	ctx := context.Background()

	queue.promptErrs = 1
	stale := time.Now().UTC().Add(-time.Hour)
	repo.jobs["job-1"] = domain.Job{
		ID:          "job-1",
		Status:      domain.JobProcessing,
		WorkerID:    "worker-a",
		StartedAt:   &stale,
		HeartbeatAt: &stale,
		MaxRetries:  2,
		Payload:     domain.PromptJob{JobID: "job-1"},
	}

	m.sweepOnce(ctx)

	j, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobRetrying, j.Status)
	assert.Zero(t, queue.promptCount())

	// Next sweep sees the stranded RETRYING job and republishes it.
	repo.mu.Lock()
	j = repo.jobs["job-1"]
	j.UpdatedAt = time.Now().UTC().Add(-5 * time.Minute)
	repo.jobs["job-1"] = j
	repo.mu.Unlock()

	m.sweepOnce(ctx)
	assert.Equal(t, 1, queue.promptCount())

	j, err = repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, j.RetryCount, "republish retry must not bump the retry count")
}

func TestRecoveryNeverStartedJobUsesAssignmentAge(t *testing.T) {
	m, repo, _, queue, _ := newTestManager()
	ctx := context.Background()

	stale := time.Now().UTC().Add(-10 * time.Minute)
	repo.jobs["job-1"] = domain.Job{
		ID:         "job-1",
		Status:     domain.JobAssigned,
		WorkerID:   "worker-a",
		AssignedAt: &stale,
		MaxRetries: 2,
	}

	m.sweepOnce(ctx)

	j, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobRetrying, j.Status)
	assert.Equal(t, 1, queue.promptCount())
}
