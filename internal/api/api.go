package api

import (
	"bytes"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"imaging-backend/internal/codec"
	"imaging-backend/internal/database"
	"imaging-backend/internal/messaging"
	"imaging-backend/internal/storage"
	"imaging-backend/internal/worker"
	"imaging-backend/pkg/api"
	"imaging-backend/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultListLimit = 50

type BackendService struct {
	db        *gorm.DB
	publisher messaging.Publisher
	store     storage.ObjectStore
}

func NewBackendService(db *gorm.DB, publisher messaging.Publisher, store storage.ObjectStore) *BackendService {
	return &BackendService{db: db, publisher: publisher, store: store}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/inpaint", RestHandler(s.CreateInpaintJob))
		r.Post("/segment", RestHandler(s.CreateSegmentJob))
		r.Get("/", RestHandler(s.ListJobs))
		r.Get("/{job_id}", RestHandler(s.GetJob))
		r.Get("/{job_id}/result", s.GetJobResult)
		r.Delete("/{job_id}", RestHandler(s.DeleteJob))
	})
}

func (s *BackendService) CreateInpaintJob(r *http.Request) (any, error) {
	req, err := ParseRequest[api.InpaintRequest](r)
	if err != nil {
		return nil, err
	}

	image, err := decodePNGField("image", req.Image)
	if err != nil {
		return nil, err
	}
	mask, err := decodePNGField("mask", req.Mask)
	if err != nil {
		return nil, err
	}

	jobId := uuid.New()
	ctx := r.Context()

	if err := s.store.PutObject(ctx, worker.InputImageKey(jobId), bytes.NewReader(image)); err != nil {
		return nil, CodedError(http.StatusInternalServerError, fmt.Errorf("error storing input image: %w", err))
	}
	if err := s.store.PutObject(ctx, worker.InputMaskKey(jobId), bytes.NewReader(mask)); err != nil {
		return nil, CodedError(http.StatusInternalServerError, fmt.Errorf("error storing input mask: %w", err))
	}

	job := database.Job{
		Id:           jobId,
		Kind:         api.JobKindInpaint,
		Status:       database.JobQueued,
		InputKey:     fmt.Sprintf("jobs/%s/input", jobId),
		CreationTime: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, CodedError(http.StatusInternalServerError, fmt.Errorf("error creating job record: %w", err))
	}

	if err := s.publisher.PublishInpaintTask(ctx, models.InpaintTaskPayload{JobId: jobId}); err != nil {
		database.MarkJobFailed(ctx, s.db, jobId, "failed to enqueue job") //nolint:errcheck
		return nil, CodedError(http.StatusInternalServerError, fmt.Errorf("error enqueueing job: %w", err))
	}

	slog.Info("created inpaint job", "job_id", jobId, "image_bytes", len(image), "mask_bytes", len(mask))

	return api.SubmitJobResponse{JobId: jobId, Message: "inpaint job submitted"}, nil
}

func (s *BackendService) CreateSegmentJob(r *http.Request) (any, error) {
	req, err := ParseRequest[api.SegmentRequest](r)
	if err != nil {
		return nil, err
	}

	image, err := decodePNGField("image", req.Image)
	if err != nil {
		return nil, err
	}

	jobId := uuid.New()
	ctx := r.Context()

	if err := s.store.PutObject(ctx, worker.InputImageKey(jobId), bytes.NewReader(image)); err != nil {
		return nil, CodedError(http.StatusInternalServerError, fmt.Errorf("error storing input image: %w", err))
	}

	var params datatypes.JSON
	if len(req.ClassNames) > 0 {
		encoded, err := json.Marshal(map[string]any{"class_names": req.ClassNames})
		if err != nil {
			return nil, CodedError(http.StatusInternalServerError, fmt.Errorf("error encoding job params: %w", err))
		}
		params = datatypes.JSON(encoded)
	}

	job := database.Job{
		Id:           jobId,
		Kind:         api.JobKindSegment,
		Status:       database.JobQueued,
		Params:       params,
		InputKey:     fmt.Sprintf("jobs/%s/input", jobId),
		CreationTime: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, CodedError(http.StatusInternalServerError, fmt.Errorf("error creating job record: %w", err))
	}

	if err := s.publisher.PublishSegmentTask(ctx, models.SegmentTaskPayload{JobId: jobId}); err != nil {
		database.MarkJobFailed(ctx, s.db, jobId, "failed to enqueue job") //nolint:errcheck
		return nil, CodedError(http.StatusInternalServerError, fmt.Errorf("error enqueueing job: %w", err))
	}

	slog.Info("created segment job", "job_id", jobId, "classes", len(req.ClassNames))

	return api.SubmitJobResponse{JobId: jobId, Message: "segment job submitted"}, nil
}

type listJobsParams struct {
	Status string `schema:"status"`
	Kind   string `schema:"kind"`
	Limit  int    `schema:"limit"`
}

func (s *BackendService) ListJobs(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[listJobsParams](r)
	if err != nil {
		return nil, err
	}
	if params.Limit <= 0 {
		params.Limit = defaultListLimit
	}

	query := s.db.WithContext(r.Context()).Where("deleted = ?", false)
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}
	if params.Kind != "" {
		query = query.Where("kind = ?", params.Kind)
	}

	var jobs []database.Job
	if err := query.Order("creation_time DESC").Limit(params.Limit).Find(&jobs).Error; err != nil {
		return nil, CodedError(http.StatusInternalServerError, fmt.Errorf("error listing jobs: %w", err))
	}

	response := api.ListJobsResponse{Jobs: make([]api.Job, 0, len(jobs))}
	for i := range jobs {
		response.Jobs = append(response.Jobs, toApiJob(&jobs[i]))
	}
	return response, nil
}

func (s *BackendService) GetJob(r *http.Request) (any, error) {
	job, err := s.loadJob(r)
	if err != nil {
		return nil, err
	}
	return toApiJob(job), nil
}

func (s *BackendService) GetJobResult(w http.ResponseWriter, r *http.Request) {
	job, err := s.loadJob(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if job.Status != database.JobCompleted || !job.ResultKey.Valid {
		writeError(w, CodedErrorf(http.StatusConflict, "job %s is %s, result not available", job.Id, job.Status))
		return
	}

	obj, err := s.store.GetObject(r.Context(), job.ResultKey.String)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			writeError(w, CodedErrorf(http.StatusNotFound, "result for job %s no longer available", job.Id))
			return
		}
		writeError(w, CodedError(http.StatusInternalServerError, fmt.Errorf("error reading result: %w", err)))
		return
	}
	defer obj.Close()

	switch job.Kind {
	case api.JobKindInpaint:
		w.Header().Set("Content-Type", "image/png")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, obj); err != nil {
		slog.Error("error streaming job result", "job_id", job.Id, "error", err)
	}
}

func (s *BackendService) DeleteJob(r *http.Request) (any, error) {
	job, err := s.loadJob(r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()
	if err := s.db.WithContext(ctx).Model(&database.Job{Id: job.Id}).Update("deleted", true).Error; err != nil {
		return nil, CodedError(http.StatusInternalServerError, fmt.Errorf("error deleting job: %w", err))
	}

	if err := s.store.DeleteObjects(ctx, fmt.Sprintf("jobs/%s", job.Id)); err != nil {
		slog.Error("error deleting job objects", "job_id", job.Id, "error", err)
	}

	slog.Info("deleted job", "job_id", job.Id)
	return nil, nil
}

func (s *BackendService) loadJob(r *http.Request) (*database.Job, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	var job database.Job
	if err := s.db.WithContext(r.Context()).Where("id = ? AND deleted = ?", jobId, false).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "job %s not found", jobId)
		}
		return nil, CodedError(http.StatusInternalServerError, fmt.Errorf("error loading job: %w", err))
	}
	return &job, nil
}

func decodePNGField(field, value string) ([]byte, error) {
	if value == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "%s is required", field)
	}

	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "%s is not valid base64: %v", field, err)
	}

	if err := codec.ValidatePNG(data); err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "%s is not a valid png: %v", field, err)
	}

	return data, nil
}

func writeError(w http.ResponseWriter, err error) {
	var cerr *codedError
	if errors.As(err, &cerr) {
		http.Error(w, err.Error(), cerr.code)
		return
	}
	slog.Error("received non coded error from endpoint", "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func toApiJob(job *database.Job) api.Job {
	return api.Job{
		Id:             job.Id,
		Kind:           job.Kind,
		Status:         job.Status,
		RemoteJobId:    nullString(job.RemoteJobId),
		Error:          nullString(job.Error),
		CreationTime:   job.CreationTime,
		StartTime:      nullTime(job.StartTime),
		CompletionTime: nullTime(job.CompletionTime),
	}
}

func nullString(value sql.NullString) string {
	if value.Valid {
		return value.String
	}
	return ""
}

func nullTime(value sql.NullTime) *time.Time {
	if value.Valid {
		t := value.Time
		return &t
	}
	return nil
}

