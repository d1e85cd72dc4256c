package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/septivank/billing-reconciliation-worker/internal/anomaly"
	"github.com/septivank/billing-reconciliation-worker/internal/billing"
	"github.com/septivank/billing-reconciliation-worker/internal/config"
	"github.com/septivank/billing-reconciliation-worker/internal/mq"
	"github.com/septivank/billing-reconciliation-worker/internal/service"
	"go.uber.org/zap"
)

type fakeAPI struct {
	mu            sync.Mutex
	pending       []billing.Submission
	buildings     []billing.Building
	stalls        []billing.Stall
	meters        []billing.Meter
	approveOrder  []int64
	rejectOrder   []int64
	pendingLoads  int
	topologyLoads int
	failApprove   map[int64]error
	blockApprove  chan struct{}
	readingIDs    map[int64]string
}

func (f *fakeAPI) ListPendingSubmissions(ctx context.Context) ([]billing.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingLoads++
	out := make([]billing.Submission, len(f.pending))
	copy(out, f.pending)
	return out, nil
}

func (f *fakeAPI) ApproveSubmission(ctx context.Context, id int64) (string, error) {
	f.mu.Lock()
	f.approveOrder = append(f.approveOrder, id)
	block := f.blockApprove
	err := f.failApprove[id]
	readingID := f.readingIDs[id]
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return "", err
	}
	return readingID, nil
}

func (f *fakeAPI) RejectSubmission(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectOrder = append(f.rejectOrder, id)
	return nil
}

func (f *fakeAPI) ListBuildings(ctx context.Context) ([]billing.Building, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topologyLoads++
	return f.buildings, nil
}

func (f *fakeAPI) ListStalls(ctx context.Context) ([]billing.Stall, error) {
	return f.stalls, nil
}

func (f *fakeAPI) ListMeters(ctx context.Context) ([]billing.Meter, error) {
	return f.meters, nil
}

func (f *fakeAPI) approveCalls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.approveOrder))
	copy(out, f.approveOrder)
	return out
}

func (f *fakeAPI) loads() (pending, topology int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLoads, f.topologyLoads
}

type fakeReadings struct {
	rows []billing.ReadingRow
	err  error
}

func (f *fakeReadings) FetchAll(ctx context.Context) ([]billing.ReadingRow, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

type fakePublisher struct {
	mu         sync.Mutex
	reconciled []mq.ReconciledEvent
	batches    []mq.BatchCompletedEvent
}

func (f *fakePublisher) PublishReconciledEvent(ctx context.Context, event mq.ReconciledEvent, routingKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled = append(f.reconciled, event)
	return nil
}

func (f *fakePublisher) PublishBatchCompleted(ctx context.Context, event mq.BatchCompletedEvent, routingKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, event)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		ServiceName: "test",
		Billing: config.BillingConfig{
			BaseURL:     "http://billing.test",
			BearerToken: "opaque-test-token",
		},
		RabbitMQ: config.RabbitMQConfig{
			ApprovedRoutingKey: "reading.approved",
			RejectedRoutingKey: "reading.rejected",
			BatchRoutingKey:    "reconcile.batch.completed",
		},
		Anomaly: config.AnomalyConfig{DeltaThresholdPercent: 20},
	}
}

func newEngine(api *fakeAPI, readings *fakeReadings, publisher *fakePublisher) *service.ApprovalService {
	cfg := testConfig()
	detector := anomaly.NewDetector(cfg.Anomaly.DeltaThresholdPercent)
	var pub service.EventPublisher
	if publisher != nil {
		pub = publisher
	}
	return service.NewApprovalService(api, readings, detector, nil, pub, cfg, zap.NewNop())
}

func TestApproveOne_Success(t *testing.T) {
	api := &fakeAPI{
		pending:    []billing.Submission{{ID: 55, MeterID: 1, Value: 120, Status: billing.StatusPending}},
		readingIDs: map[int64]string{55: "R-9001"},
	}
	publisher := &fakePublisher{}
	engine := newEngine(api, &fakeReadings{}, publisher)
	require.NoError(t, engine.Reload(context.Background()))

	res := engine.ApproveOne(context.Background(), 55, service.ApproveOptions{})

	require.True(t, res.OK)
	assert.Equal(t, "R-9001", res.ReadingID)
	assert.Equal(t, []int64{55}, api.approveCalls())

	// Non-silent single approval reloads the full working set
	pending, topo := api.loads()
	assert.Equal(t, 2, pending)
	assert.Equal(t, 2, topo)

	require.Len(t, publisher.reconciled, 1)
	assert.Equal(t, "approved", publisher.reconciled[0].Action)
	assert.Equal(t, int64(55), publisher.reconciled[0].SubmissionID)
}

func TestApproveOne_DoubleTapMakesOneCall(t *testing.T) {
	api := &fakeAPI{
		pending:      []billing.Submission{{ID: 55, MeterID: 1, Status: billing.StatusPending}},
		blockApprove: make(chan struct{}),
	}
	engine := newEngine(api, &fakeReadings{}, nil)
	require.NoError(t, engine.Reload(context.Background()))

	results := make(chan service.Result, 1)
	go func() {
		results <- engine.ApproveOne(context.Background(), 55, service.ApproveOptions{SkipRefresh: true})
	}()

	// Wait until the first call is in flight
	require.Eventually(t, func() bool {
		return len(api.approveCalls()) == 1
	}, time.Second, time.Millisecond)

	second := engine.ApproveOne(context.Background(), 55, service.ApproveOptions{SkipRefresh: true})
	assert.True(t, second.Skipped)
	assert.False(t, second.OK)

	close(api.blockApprove)
	first := <-results
	assert.True(t, first.OK)

	assert.Equal(t, []int64{55}, api.approveCalls(), "exactly one network call expected")
}

func TestApproveOne_FailureSkipsRefresh(t *testing.T) {
	backendErr := errors.New("approve failed")
	api := &fakeAPI{
		pending:     []billing.Submission{{ID: 55, MeterID: 1, Status: billing.StatusPending}},
		failApprove: map[int64]error{55: backendErr},
	}
	engine := newEngine(api, &fakeReadings{}, nil)
	require.NoError(t, engine.Reload(context.Background()))
	pendingBefore, _ := api.loads()

	res := engine.ApproveOne(context.Background(), 55, service.ApproveOptions{})

	assert.False(t, res.OK)
	assert.False(t, res.Skipped)
	assert.ErrorIs(t, res.Err, backendErr)

	// A failed attempt leaves the working set alone
	pendingAfter, _ := api.loads()
	assert.Equal(t, pendingBefore, pendingAfter)

	// The guard is released on the failure path
	retry := engine.ApproveOne(context.Background(), 55, service.ApproveOptions{SkipRefresh: true})
	assert.False(t, retry.Skipped)
}

func TestRejectOne_ReloadsPendingOnly(t *testing.T) {
	api := &fakeAPI{
		pending: []billing.Submission{{ID: 77, MeterID: 2, Status: billing.StatusPending}},
	}
	publisher := &fakePublisher{}
	engine := newEngine(api, &fakeReadings{}, publisher)
	require.NoError(t, engine.Reload(context.Background()))

	res := engine.RejectOne(context.Background(), 77)

	require.True(t, res.OK)
	assert.Equal(t, []int64{77}, api.rejectOrder)

	// Rejection produces no canonical reading, so only the pending list is
	// refreshed
	pending, topo := api.loads()
	assert.Equal(t, 2, pending)
	assert.Equal(t, 1, topo)

	require.Len(t, publisher.reconciled, 1)
	assert.Equal(t, "rejected", publisher.reconciled[0].Action)
}

func TestApproveAll_NoBuildingSelected(t *testing.T) {
	api := &fakeAPI{}
	engine := newEngine(api, &fakeReadings{}, nil)

	_, err := engine.ApproveAll(context.Background(), 0, []int64{1, 2}, nil)

	var precondition service.PreconditionError
	require.ErrorAs(t, err, &precondition)
	assert.Empty(t, api.approveCalls(), "precondition failures make zero network calls")
}

func TestApproveAll_EmptyIDList(t *testing.T) {
	api := &fakeAPI{}
	engine := newEngine(api, &fakeReadings{}, nil)

	_, err := engine.ApproveAll(context.Background(), 10, nil, nil)

	var precondition service.PreconditionError
	require.ErrorAs(t, err, &precondition)
	assert.Empty(t, api.approveCalls())
}

func TestApproveAll_SequentialContinueOnError(t *testing.T) {
	api := &fakeAPI{
		pending: []billing.Submission{
			{ID: 201, MeterID: 1, Status: billing.StatusPending},
			{ID: 202, MeterID: 2, Status: billing.StatusPending},
			{ID: 203, MeterID: 3, Status: billing.StatusPending},
		},
		failApprove: map[int64]error{202: errors.New("backend rejected 202")},
	}
	publisher := &fakePublisher{}
	engine := newEngine(api, &fakeReadings{}, publisher)
	require.NoError(t, engine.Reload(context.Background()))
	pendingBefore, _ := api.loads()

	var snapshots []service.Progress
	report, err := engine.ApproveAll(context.Background(), 10, []int64{201, 202, 203}, func(p service.Progress) {
		snapshots = append(snapshots, p)
	})
	require.NoError(t, err)

	// Items are attempted in exactly the supplied order, past the failure
	assert.Equal(t, []int64{201, 202, 203}, api.approveCalls())

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Succeeded)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, int64(202), report.Failures[0].SubmissionID)
	assert.False(t, report.FullySucceeded())

	// done goes 0..N inclusive, one increment per processed item
	expected := []service.Progress{
		{Done: 0, Total: 3}, {Done: 1, Total: 3}, {Done: 2, Total: 3}, {Done: 3, Total: 3},
	}
	assert.Equal(t, expected, snapshots)

	// The working set is reloaded exactly once after the loop
	pendingAfter, _ := api.loads()
	assert.Equal(t, pendingBefore+1, pendingAfter)

	// Batch items are silent; only the consolidated event is published
	assert.Empty(t, publisher.reconciled)
	require.Len(t, publisher.batches, 1)
	assert.Equal(t, []int64{202}, publisher.batches[0].FailedIDs)
	assert.Equal(t, 2, publisher.batches[0].Succeeded)
}

func TestApproveAll_FullSuccessSummary(t *testing.T) {
	api := &fakeAPI{
		pending: []billing.Submission{
			{ID: 1, Status: billing.StatusPending},
			{ID: 2, Status: billing.StatusPending},
		},
	}
	engine := newEngine(api, &fakeReadings{}, nil)
	require.NoError(t, engine.Reload(context.Background()))

	report, err := engine.ApproveAll(context.Background(), 10, []int64{1, 2}, nil)
	require.NoError(t, err)

	assert.True(t, report.FullySucceeded())
	assert.Equal(t, "approved all 2 submissions", report.Summary())
}

func TestApproveAll_SummaryTruncatesFailingIDs(t *testing.T) {
	failAll := make(map[int64]error)
	ids := make([]int64, 0, 7)
	for i := int64(1); i <= 7; i++ {
		failAll[i] = errors.New("down")
		ids = append(ids, i)
	}
	api := &fakeAPI{failApprove: failAll}
	engine := newEngine(api, &fakeReadings{}, nil)

	report, err := engine.ApproveAll(context.Background(), 10, ids, nil)
	require.NoError(t, err)

	summary := report.Summary()
	assert.Contains(t, summary, "approved 0 of 7 submissions")
	assert.Contains(t, summary, "[1 2 3 4 5]")
	assert.Contains(t, summary, "and 2 more")
}

func TestAssessSubmission_FlagsLargeSwing(t *testing.T) {
	api := &fakeAPI{
		pending: []billing.Submission{
			{ID: 101, MeterID: 1, Value: 120, ReadingDate: "2025-01-15", Status: billing.StatusPending},
		},
	}
	readings := &fakeReadings{rows: []billing.ReadingRow{
		{MeterID: 1, Value: 100, Date: "2025-01-10"},
	}}
	engine := newEngine(api, readings, nil)
	require.NoError(t, engine.Reload(context.Background()))

	assessment := engine.AssessSubmission(engine.Pending()[0])

	require.True(t, assessment.HasPrevious)
	assert.InDelta(t, 20.0, assessment.DeltaPercent, 1e-9)
	assert.True(t, assessment.Flagged)
}

func TestAssessSubmission_NoEndpointNeverFlags(t *testing.T) {
	api := &fakeAPI{
		pending: []billing.Submission{
			{ID: 101, MeterID: 1, Value: 900, ReadingDate: "2025-01-15", Status: billing.StatusPending},
		},
	}
	readings := &fakeReadings{err: billing.ErrNoReadingEndpoint}
	engine := newEngine(api, readings, nil)
	require.NoError(t, engine.Reload(context.Background()))

	assessment := engine.AssessSubmission(engine.Pending()[0])

	assert.False(t, assessment.HasPrevious)
	assert.False(t, assessment.Flagged)
}

func TestPendingForBuilding_FiltersByTopology(t *testing.T) {
	api := &fakeAPI{
		pending: []billing.Submission{
			{ID: 1, MeterID: 1, Status: billing.StatusPending},
			{ID: 2, MeterID: 2, Status: billing.StatusPending},
			{ID: 3, MeterID: 9, Status: billing.StatusPending}, // unmapped meter
		},
		buildings: []billing.Building{{ID: 10}, {ID: 20}},
		stalls:    []billing.Stall{{ID: 5, BuildingID: 10}},
		meters: []billing.Meter{
			{ID: 1, StallID: 5},
			{ID: 2, BuildingID: 20},
		},
	}
	engine := newEngine(api, &fakeReadings{}, nil)
	require.NoError(t, engine.Reload(context.Background()))

	inTen := engine.PendingForBuilding(10)
	require.Len(t, inTen, 1)
	assert.Equal(t, int64(1), inTen[0].ID)

	inTwenty := engine.PendingForBuilding(20)
	require.Len(t, inTwenty, 1)
	assert.Equal(t, int64(2), inTwenty[0].ID)

	assert.Empty(t, engine.PendingForBuilding(99))
}
