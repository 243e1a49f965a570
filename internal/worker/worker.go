// Package worker executes queued inference jobs by driving the remote FaaS
// endpoints and persisting results to the object store.
package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"imaging-backend/internal/database"
	"imaging-backend/internal/faas"
	"imaging-backend/internal/messaging"
	"imaging-backend/internal/storage"
	"imaging-backend/pkg/api"
	"imaging-backend/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func InputImageKey(jobId uuid.UUID) string {
	return fmt.Sprintf("jobs/%s/input/image.png", jobId)
}

func InputMaskKey(jobId uuid.UUID) string {
	return fmt.Sprintf("jobs/%s/input/mask.png", jobId)
}

func ResultImageKey(jobId uuid.UUID) string {
	return fmt.Sprintf("jobs/%s/result/output.png", jobId)
}

func ResultSegmentationKey(jobId uuid.UUID) string {
	return fmt.Sprintf("jobs/%s/result/segmentation.json", jobId)
}

type Worker struct {
	db        *gorm.DB
	store     storage.ObjectStore
	receiver  messaging.Receiver
	inpainter *faas.Inpainter
	segmenter *faas.Segmenter
}

func NewWorker(db *gorm.DB, store storage.ObjectStore, receiver messaging.Receiver, inpainter *faas.Inpainter, segmenter *faas.Segmenter) *Worker {
	return &Worker{
		db:        db,
		store:     store,
		receiver:  receiver,
		inpainter: inpainter,
		segmenter: segmenter,
	}
}

// Start consumes tasks until ctx is cancelled or the receiver closes.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("worker started, waiting for tasks")

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopping", "reason", ctx.Err())
			return
		case task, ok := <-w.receiver.Tasks():
			if !ok {
				slog.Info("task channel closed, worker stopping")
				return
			}
			w.handleTask(ctx, task)
		}
	}
}

func (w *Worker) handleTask(ctx context.Context, task messaging.Task) {
	jobId, err := parseTaskPayload(task)
	if err != nil {
		slog.Error("discarding malformed task", "queue", task.Type(), "error", err)
		task.Reject() //nolint:errcheck
		return
	}

	err = w.processJob(ctx, task.Type(), jobId)
	if errors.Is(err, faas.ErrTransient) || errors.Is(err, context.Canceled) {
		// Transient provider failures and worker shutdown leave the job
		// retryable; requeue for another attempt.
		slog.Warn("requeueing task", "job_id", jobId, "error", err)
		task.Nack() //nolint:errcheck
		return
	}

	if err != nil {
		slog.Error("job failed", "job_id", jobId, "error", err)
		database.MarkJobFailed(ctx, w.db, jobId, err.Error()) //nolint:errcheck
	}

	if err := task.Ack(); err != nil {
		slog.Error("error acking task", "job_id", jobId, "error", err)
	}
}

func parseTaskPayload(task messaging.Task) (uuid.UUID, error) {
	switch task.Type() {
	case messaging.InpaintQueue:
		var payload models.InpaintTaskPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return uuid.Nil, fmt.Errorf("unable to parse inpaint task payload: %w", err)
		}
		return payload.JobId, nil
	case messaging.SegmentQueue:
		var payload models.SegmentTaskPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return uuid.Nil, fmt.Errorf("unable to parse segment task payload: %w", err)
		}
		return payload.JobId, nil
	default:
		return uuid.Nil, fmt.Errorf("unknown queue %s", task.Type())
	}
}

func (w *Worker) processJob(ctx context.Context, queue string, jobId uuid.UUID) error {
	var job database.Job
	if err := w.db.WithContext(ctx).Where("id = ? AND deleted = ?", jobId, false).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			slog.Warn("skipping task for unknown or deleted job", "job_id", jobId)
			return nil
		}
		return fmt.Errorf("error loading job: %w", err)
	}

	if job.Status == database.JobCompleted || job.Status == database.JobFailed {
		slog.Info("skipping task for finished job", "job_id", jobId, "status", job.Status)
		return nil
	}

	switch queue {
	case messaging.InpaintQueue:
		return w.processInpaintJob(ctx, &job)
	case messaging.SegmentQueue:
		return w.processSegmentJob(ctx, &job)
	default:
		return fmt.Errorf("unknown queue %s", queue)
	}
}

func (w *Worker) processInpaintJob(ctx context.Context, job *database.Job) error {
	image, err := w.readObject(ctx, InputImageKey(job.Id))
	if err != nil {
		return err
	}
	mask, err := w.readObject(ctx, InputMaskKey(job.Id))
	if err != nil {
		return err
	}

	handle, err := w.inpainter.Submit(ctx, image, mask)
	if err != nil {
		return err
	}

	if err := database.MarkJobRunning(ctx, w.db, job.Id, string(handle)); err != nil {
		return err
	}

	if _, err := w.inpainter.Wait(ctx, handle); err != nil {
		return err
	}

	output, err := w.inpainter.Result(ctx, handle)
	if err != nil {
		return err
	}

	resultKey := ResultImageKey(job.Id)
	if err := w.store.PutObject(ctx, resultKey, bytes.NewReader(output)); err != nil {
		return fmt.Errorf("error storing result: %w", err)
	}

	slog.Info("inpaint job completed", "job_id", job.Id, "remote_job_id", handle, "output_bytes", len(output))
	return database.MarkJobCompleted(ctx, w.db, job.Id, resultKey)
}

func (w *Worker) processSegmentJob(ctx context.Context, job *database.Job) error {
	image, err := w.readObject(ctx, InputImageKey(job.Id))
	if err != nil {
		return err
	}

	var params struct {
		ClassNames []string `json:"class_names"`
	}
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			return fmt.Errorf("error parsing job params: %w", err)
		}
	}

	handle, err := w.segmenter.Submit(ctx, image, params.ClassNames)
	if err != nil {
		return err
	}

	if err := database.MarkJobRunning(ctx, w.db, job.Id, string(handle)); err != nil {
		return err
	}

	if _, err := w.segmenter.Wait(ctx, handle); err != nil {
		return err
	}

	segmentation, err := w.segmenter.Result(ctx, handle)
	if err != nil {
		return err
	}

	result := api.SegmentationResult{BoundingBoxes: segmentation.BoundingBoxes}
	for _, mask := range segmentation.Masks {
		result.Masks = append(result.Masks, base64.StdEncoding.EncodeToString(mask))
	}

	document, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("error encoding segmentation result: %w", err)
	}

	resultKey := ResultSegmentationKey(job.Id)
	if err := w.store.PutObject(ctx, resultKey, bytes.NewReader(document)); err != nil {
		return fmt.Errorf("error storing result: %w", err)
	}

	slog.Info("segment job completed", "job_id", job.Id, "remote_job_id", handle, "masks", len(result.Masks))
	return database.MarkJobCompleted(ctx, w.db, job.Id, resultKey)
}

func (w *Worker) readObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := w.store.GetObject(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", key, err)
	}
	return data, nil
}
