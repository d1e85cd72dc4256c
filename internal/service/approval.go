package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/billing-reconciliation-worker/internal/anomaly"
	"github.com/septivank/billing-reconciliation-worker/internal/auth"
	"github.com/septivank/billing-reconciliation-worker/internal/billing"
	"github.com/septivank/billing-reconciliation-worker/internal/config"
	"github.com/septivank/billing-reconciliation-worker/internal/db"
	"github.com/septivank/billing-reconciliation-worker/internal/history"
	"github.com/septivank/billing-reconciliation-worker/internal/mq"
	"github.com/septivank/billing-reconciliation-worker/internal/topology"
	"github.com/septivank/billing-reconciliation-worker/tools/dateparser"
	"go.uber.org/zap"
)

const (
	actionApproved = "approved"
	actionRejected = "rejected"

	// maxReportedFailures bounds the failing-id list in batch summaries
	maxReportedFailures = 5
)

var errAlreadyInFlight = errors.New("submission already has a call in flight")

// BillingAPI is the slice of the billing backend the engine drives
type BillingAPI interface {
	ListPendingSubmissions(ctx context.Context) ([]billing.Submission, error)
	ApproveSubmission(ctx context.Context, id int64) (string, error)
	RejectSubmission(ctx context.Context, id int64) error
	ListBuildings(ctx context.Context) ([]billing.Building, error)
	ListStalls(ctx context.Context) ([]billing.Stall, error)
	ListMeters(ctx context.Context) ([]billing.Meter, error)
}

// ReadingFetcher lists canonical readings through the resolved route
type ReadingFetcher interface {
	FetchAll(ctx context.Context) ([]billing.ReadingRow, error)
}

// Auditor records reconciliation outcomes. Audit writes are best-effort and
// never fail a reconciliation.
type Auditor interface {
	InsertReconciliationRecord(ctx context.Context, rec *db.ReconciliationRecord) error
	InsertBatchRun(ctx context.Context, run *db.BatchRun) error
}

// EventPublisher publishes reconciliation outcome events
type EventPublisher interface {
	PublishReconciledEvent(ctx context.Context, event mq.ReconciledEvent, routingKey string) error
	PublishBatchCompleted(ctx context.Context, event mq.BatchCompletedEvent, routingKey string) error
}

// PreconditionError is a local validation failure that never reaches the
// network.
type PreconditionError string

func (e PreconditionError) Error() string { return string(e) }

// ApproveOptions controls single-approval side effects. Batch runs use
// Silent and SkipRefresh so that notification and reload happen once for the
// whole batch.
type ApproveOptions struct {
	Silent      bool
	SkipRefresh bool
}

// Result is the discriminated outcome of a single approve/reject
type Result struct {
	OK        bool
	Skipped   bool
	ReadingID string
	Err       error
}

// Progress is an immutable snapshot of batch progress
type Progress struct {
	Done  int
	Total int
}

// BatchFailure pairs a failed submission id with its error
type BatchFailure struct {
	SubmissionID int64
	Err          error
}

// BatchReport is the consolidated outcome of an approve-all run
type BatchReport struct {
	BatchID    uuid.UUID
	BuildingID int64
	Total      int
	Succeeded  int
	Failures   []BatchFailure
}

// FullySucceeded reports whether every item in the batch was approved
func (r *BatchReport) FullySucceeded() bool {
	return len(r.Failures) == 0
}

// Summary renders the user-facing batch outcome. Failing ids are truncated
// to the first five with a count of the remainder.
func (r *BatchReport) Summary() string {
	if r.FullySucceeded() {
		return fmt.Sprintf("approved all %d submissions", r.Total)
	}

	shown := len(r.Failures)
	if shown > maxReportedFailures {
		shown = maxReportedFailures
	}
	ids := make([]int64, 0, shown)
	for _, f := range r.Failures[:shown] {
		ids = append(ids, f.SubmissionID)
	}

	summary := fmt.Sprintf("approved %d of %d submissions; %d failed (ids %v",
		r.Succeeded, r.Total, len(r.Failures), ids)
	if remainder := len(r.Failures) - shown; remainder > 0 {
		summary += fmt.Sprintf(" and %d more", remainder)
	}
	summary += "); retry failed items individually"
	return summary
}

// Assessment annotates a submission with its anomaly evaluation
type Assessment struct {
	HasPrevious  bool
	Previous     history.Entry
	DeltaPercent float64
	Flagged      bool
}

// ApprovalService is the offline reading reconciliation engine. It owns the
// pending working set, the topology and history indexes, and the in-flight
// guard; all three indexes are rebuilt wholesale on reload.
type ApprovalService struct {
	api       BillingAPI
	readings  ReadingFetcher
	detector  *anomaly.Detector
	repo      Auditor
	publisher EventPublisher
	cfg       *config.Config
	logger    *zap.Logger

	inFlight *inFlightSet
	reviewer string

	mu      sync.Mutex
	pending []billing.Submission
	topo    *topology.Index
	history *history.Index
}

// NewApprovalService creates a new approval engine. repo and publisher may be
// nil; audit rows and outcome events are then skipped.
func NewApprovalService(
	api BillingAPI,
	readings ReadingFetcher,
	detector *anomaly.Detector,
	repo Auditor,
	publisher EventPublisher,
	cfg *config.Config,
	logger *zap.Logger,
) *ApprovalService {
	s := &ApprovalService{
		api:       api,
		readings:  readings,
		detector:  detector,
		repo:      repo,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		inFlight:  newInFlightSet(),
		topo:      topology.BuildIndex(nil, nil, nil),
		history:   history.NewEmptyIndex(),
	}

	// Display-only reviewer identity; the backend verifies the token on
	// every call, this decode never does.
	if claims, err := auth.DecodeDisplayClaims(cfg.Billing.BearerToken); err == nil {
		s.reviewer = claims.Name
		if s.reviewer == "" {
			s.reviewer = claims.Subject
		}
	}

	return s
}

// Reload rebuilds the pending working set, the topology index and the
// reading history index from fresh backend listings.
func (s *ApprovalService) Reload(ctx context.Context) error {
	pending, err := s.api.ListPendingSubmissions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending submissions: %w", err)
	}

	buildings, err := s.api.ListBuildings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load buildings: %w", err)
	}
	stalls, err := s.api.ListStalls(ctx)
	if err != nil {
		return fmt.Errorf("failed to load stalls: %w", err)
	}
	meters, err := s.api.ListMeters(ctx)
	if err != nil {
		return fmt.Errorf("failed to load meters: %w", err)
	}
	topo := topology.BuildIndex(buildings, stalls, meters)

	var hist *history.Index
	rows, err := s.readings.FetchAll(ctx)
	switch {
	case errors.Is(err, billing.ErrNoReadingEndpoint):
		s.logger.Warn("no reading endpoint available, anomaly detection disabled")
		hist = history.NewEmptyIndex()
	case err != nil:
		return fmt.Errorf("failed to load canonical readings: %w", err)
	default:
		hist = history.BuildIndex(rows, s.logger)
	}

	s.mu.Lock()
	s.pending = pending
	s.topo = topo
	s.history = hist
	s.mu.Unlock()

	s.logger.Info("working set reloaded",
		zap.Int("pending", len(pending)),
		zap.Int("mapped_meters", topo.Len()),
		zap.Int("meters_with_history", hist.Meters()),
	)

	return nil
}

// reloadPending refreshes only the pending list; rejection produces no
// canonical reading, so the history index is left alone.
func (s *ApprovalService) reloadPending(ctx context.Context) error {
	pending, err := s.api.ListPendingSubmissions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending submissions: %w", err)
	}

	s.mu.Lock()
	s.pending = pending
	s.mu.Unlock()

	return nil
}

// Pending returns a copy of the pending working set
func (s *ApprovalService) Pending() []billing.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]billing.Submission, len(s.pending))
	copy(out, s.pending)
	return out
}

// PendingForBuilding returns the pending submissions whose meter maps to the
// given building. Submissions on unmapped meters are excluded.
func (s *ApprovalService) PendingForBuilding(buildingID int64) []billing.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []billing.Submission
	for _, sub := range s.pending {
		if mapped, ok := s.topo.BuildingFor(sub.MeterID); ok && mapped == buildingID {
			out = append(out, sub)
		}
	}
	return out
}

// AssessSubmission evaluates a submission against the meter's prior reading.
// The flag is advisory only and never blocks approval.
func (s *ApprovalService) AssessSubmission(sub billing.Submission) Assessment {
	cutoff, err := dateparser.ParseReadingDate(sub.ReadingDate)
	if err != nil {
		cutoff = sub.SubmittedAt
	}

	s.mu.Lock()
	prev, hasPrev := s.history.PreviousReading(sub.MeterID, cutoff)
	s.mu.Unlock()

	delta, flagged, ok := s.detector.Evaluate(sub.Value, prev.Value, hasPrev)
	return Assessment{
		HasPrevious:  hasPrev,
		Previous:     prev,
		DeltaPercent: delta,
		Flagged:      ok && flagged,
	}
}

func (s *ApprovalService) submission(id int64) (billing.Submission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.pending {
		if sub.ID == id {
			return sub, true
		}
	}
	return billing.Submission{}, false
}

// ApproveOne converts a single pending submission into a canonical reading.
// A second call for the same id while the first is in flight makes no
// network call and returns Skipped.
func (s *ApprovalService) ApproveOne(ctx context.Context, id int64, opts ApproveOptions) Result {
	return s.approve(ctx, id, opts, nil)
}

func (s *ApprovalService) approve(ctx context.Context, id int64, opts ApproveOptions, batchID *uuid.UUID) Result {
	if !s.inFlight.TryAcquire(id) {
		return Result{Skipped: true}
	}
	defer s.inFlight.Release(id)

	sub, known := s.submission(id)

	readingID, err := s.api.ApproveSubmission(ctx, id)
	if err != nil {
		if !opts.Silent {
			s.logger.Error("failed to approve submission",
				zap.Int64("submission_id", id),
				zap.Error(err))
		}
		s.audit(ctx, id, sub.MeterID, actionApproved, "", err, batchID)
		return Result{Err: err}
	}

	s.audit(ctx, id, sub.MeterID, actionApproved, readingID, nil, batchID)

	if !opts.Silent {
		s.publishOutcome(ctx, id, sub.MeterID, actionApproved, readingID, batchID,
			s.cfg.RabbitMQ.ApprovedRoutingKey)
	}

	if known {
		s.logger.Info("submission approved",
			zap.Int64("submission_id", id),
			zap.Int64("meter_id", sub.MeterID),
			zap.String("reading_id", readingID))
	}

	if !opts.SkipRefresh {
		if err := s.Reload(ctx); err != nil {
			s.logger.Warn("reload after approval failed", zap.Error(err))
		}
	}

	return Result{OK: true, ReadingID: readingID}
}

// RejectOne marks a single pending submission rejected, with the same
// in-flight guard discipline as ApproveOne.
func (s *ApprovalService) RejectOne(ctx context.Context, id int64) Result {
	if !s.inFlight.TryAcquire(id) {
		return Result{Skipped: true}
	}
	defer s.inFlight.Release(id)

	sub, _ := s.submission(id)

	if err := s.api.RejectSubmission(ctx, id); err != nil {
		s.logger.Error("failed to reject submission",
			zap.Int64("submission_id", id),
			zap.Error(err))
		s.audit(ctx, id, sub.MeterID, actionRejected, "", err, nil)
		return Result{Err: err}
	}

	s.audit(ctx, id, sub.MeterID, actionRejected, "", nil, nil)
	s.publishOutcome(ctx, id, sub.MeterID, actionRejected, "", nil,
		s.cfg.RabbitMQ.RejectedRoutingKey)

	if err := s.reloadPending(ctx); err != nil {
		s.logger.Warn("reload after rejection failed", zap.Error(err))
	}

	return Result{OK: true}
}

// ApproveAll approves the given submissions strictly sequentially, in the
// supplied order, continuing past per-item failures. The pending list and
// reading history are reloaded exactly once after the loop. The returned
// error is non-nil only for precondition violations, which make zero network
// calls.
func (s *ApprovalService) ApproveAll(ctx context.Context, buildingID int64, ids []int64, progress func(Progress)) (*BatchReport, error) {
	if buildingID == 0 {
		return nil, PreconditionError("select a building before approving all")
	}
	if len(ids) == 0 {
		return nil, PreconditionError("no pending submissions to approve")
	}
	if progress == nil {
		progress = func(Progress) {}
	}

	report := &BatchReport{
		BatchID:    uuid.New(),
		BuildingID: buildingID,
		Total:      len(ids),
	}
	startedAt := time.Now()

	batchLogger := s.logger.With(zap.String("batch_id", report.BatchID.String()))
	batchLogger.Info("batch approval started",
		zap.Int64("building_id", buildingID),
		zap.Int("total", len(ids)))

	progress(Progress{Done: 0, Total: report.Total})

	for i, id := range ids {
		res := s.approve(ctx, id, ApproveOptions{Silent: true, SkipRefresh: true}, &report.BatchID)
		switch {
		case res.OK:
			report.Succeeded++
		case res.Skipped:
			report.Failures = append(report.Failures, BatchFailure{SubmissionID: id, Err: errAlreadyInFlight})
		default:
			report.Failures = append(report.Failures, BatchFailure{SubmissionID: id, Err: res.Err})
		}
		progress(Progress{Done: i + 1, Total: report.Total})
	}

	if err := s.Reload(ctx); err != nil {
		batchLogger.Warn("reload after batch failed", zap.Error(err))
	}

	if s.repo != nil {
		run := &db.BatchRun{
			ID:         report.BatchID,
			BuildingID: buildingID,
			Total:      report.Total,
			Succeeded:  report.Succeeded,
			Failed:     len(report.Failures),
			StartedAt:  startedAt,
			FinishedAt: time.Now(),
		}
		if err := s.repo.InsertBatchRun(ctx, run); err != nil {
			batchLogger.Warn("failed to audit batch run", zap.Error(err))
		}
	}

	if s.publisher != nil {
		event := mq.BatchCompletedEvent{
			BatchID:    report.BatchID.String(),
			BuildingID: buildingID,
			Total:      report.Total,
			Succeeded:  report.Succeeded,
		}
		for _, f := range report.Failures {
			event.FailedIDs = append(event.FailedIDs, f.SubmissionID)
		}
		if err := s.publisher.PublishBatchCompleted(ctx, event, s.cfg.RabbitMQ.BatchRoutingKey); err != nil {
			batchLogger.Warn("failed to publish batch completed event", zap.Error(err))
		}
	}

	batchLogger.Info("batch approval finished",
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", len(report.Failures)))

	return report, nil
}

// audit writes one reconciliation record; failures are logged, never
// propagated.
func (s *ApprovalService) audit(ctx context.Context, id, meterID int64, action, readingID string, callErr error, batchID *uuid.UUID) {
	if s.repo == nil {
		return
	}

	rec := &db.ReconciliationRecord{
		BatchID:      batchID,
		SubmissionID: id,
		MeterID:      meterID,
		Action:       action,
		RecordedAt:   time.Now(),
	}
	if readingID != "" {
		rec.ReadingID = &readingID
	}
	if callErr != nil {
		msg := callErr.Error()
		rec.ErrorMessage = &msg
	}
	if s.reviewer != "" {
		rec.ReviewedBy = &s.reviewer
	}

	if err := s.repo.InsertReconciliationRecord(ctx, rec); err != nil {
		s.logger.Warn("failed to audit reconciliation",
			zap.Int64("submission_id", id),
			zap.Error(err))
	}
}

func (s *ApprovalService) publishOutcome(ctx context.Context, id, meterID int64, action, readingID string, batchID *uuid.UUID, routingKey string) {
	if s.publisher == nil {
		return
	}

	event := mq.ReconciledEvent{
		SubmissionID: id,
		MeterID:      meterID,
		Action:       action,
		ReadingID:    readingID,
		ReconciledAt: time.Now().Format(time.RFC3339),
	}
	if batchID != nil {
		event.BatchID = batchID.String()
	}

	if err := s.publisher.PublishReconciledEvent(ctx, event, routingKey); err != nil {
		s.logger.Warn("failed to publish outcome event",
			zap.Int64("submission_id", id),
			zap.Error(err))
	}
}
