package database

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// nonTerminal guards status updates: COMPLETED and FAILED rows are never
// overwritten, mirroring the remote invariant that a job cannot leave a
// terminal state.
func nonTerminal(txn *gorm.DB) *gorm.DB {
	return txn.Where("status NOT IN ?", []string{JobCompleted, JobFailed})
}

func MarkJobRunning(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, remoteJobId string) error {
	updates := map[string]any{
		"status":     JobRunning,
		"start_time": time.Now().UTC(),
	}
	if remoteJobId != "" {
		updates["remote_job_id"] = remoteJobId
	}

	if err := nonTerminal(txn.WithContext(ctx).Model(&Job{Id: jobId})).Updates(updates).Error; err != nil {
		slog.Error("error marking job running", "job_id", jobId, "error", err)
		return err
	}
	return nil
}

func MarkJobCompleted(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, resultKey string) error {
	updates := map[string]any{
		"status":          JobCompleted,
		"result_key":      sql.NullString{String: resultKey, Valid: resultKey != ""},
		"completion_time": time.Now().UTC(),
	}

	if err := nonTerminal(txn.WithContext(ctx).Model(&Job{Id: jobId})).Updates(updates).Error; err != nil {
		slog.Error("error marking job completed", "job_id", jobId, "error", err)
		return err
	}
	return nil
}

func MarkJobFailed(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, errorMessage string) error {
	updates := map[string]any{
		"status":          JobFailed,
		"error":           sql.NullString{String: errorMessage, Valid: errorMessage != ""},
		"completion_time": time.Now().UTC(),
	}

	if err := nonTerminal(txn.WithContext(ctx).Model(&Job{Id: jobId})).Updates(updates).Error; err != nil {
		slog.Error("error marking job failed", "job_id", jobId, "error", err)
		return err
	}
	return nil
}
