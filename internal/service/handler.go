package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/septivank/billing-reconciliation-worker/internal/logging"
	"go.uber.org/zap"
)

// BatchCommand is a reconcile-batch request consumed from the command queue.
// When SubmissionIDs is empty, every pending submission mapped to the
// building is a candidate.
type BatchCommand struct {
	CommandID     string  `json:"command_id"`
	BuildingID    int64   `json:"building_id"`
	SubmissionIDs []int64 `json:"submission_ids,omitempty"`
	RequestedBy   string  `json:"requested_by,omitempty"`
}

// HandleBatchCommand processes one reconcile-batch message. A returned error
// dead-letters the message; precondition violations are acknowledged since a
// redelivery cannot fix them.
func (s *ApprovalService) HandleBatchCommand(ctx context.Context, body []byte) error {
	var cmd BatchCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal batch command: %w", err)
	}

	cmdLogger := logging.WithBatchID(s.logger, cmd.CommandID)
	cmdLogger.Info("processing batch command",
		zap.Int64("building_id", cmd.BuildingID),
		zap.Int("explicit_ids", len(cmd.SubmissionIDs)),
		zap.String("requested_by", cmd.RequestedBy),
	)

	if err := s.Reload(ctx); err != nil {
		cmdLogger.Error("failed to load working set", zap.Error(err))
		return err
	}

	ids := cmd.SubmissionIDs
	if len(ids) == 0 {
		for _, sub := range s.PendingForBuilding(cmd.BuildingID) {
			assessment := s.AssessSubmission(sub)
			if assessment.Flagged {
				cmdLogger.Warn("anomalous submission in batch",
					zap.Int64("submission_id", sub.ID),
					zap.Int64("meter_id", sub.MeterID),
					zap.Float64("delta_percent", assessment.DeltaPercent),
				)
			}
			ids = append(ids, sub.ID)
		}
	}

	report, err := s.ApproveAll(ctx, cmd.BuildingID, ids, func(p Progress) {
		cmdLogger.Debug("batch progress",
			zap.Int("done", p.Done),
			zap.Int("total", p.Total))
	})
	if err != nil {
		var precondition PreconditionError
		if errors.As(err, &precondition) {
			cmdLogger.Warn("batch command rejected", zap.String("reason", precondition.Error()))
			return nil
		}
		return err
	}

	cmdLogger.Info("batch command processed", zap.String("summary", report.Summary()))
	return nil
}
