package integrationtests

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	backend "imaging-backend/internal/api"
	"imaging-backend/internal/codec"
	"imaging-backend/internal/database"
	"imaging-backend/internal/faas"
	"imaging-backend/internal/messaging"
	"imaging-backend/internal/storage"
	"imaging-backend/internal/worker"
	"imaging-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider emulates the remote endpoint: every submitted inpaint job
// succeeds and echoes the input image back as the result.
func fakeProvider(t *testing.T) *httptest.Server {
	var mu sync.Mutex
	jobs := make(map[string]json.RawMessage)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		w.Header().Set("Content-Type", "application/json")

		if strings.HasSuffix(r.URL.Path, "/run") {
			var req struct {
				Input struct {
					Image string `json:"image"`
				} `json:"input"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

			output, err := json.Marshal(map[string]any{
				"output_image": req.Input.Image,
				"stats":        map[string]any{"inference_time": 0.1, "overall_time": 0.2},
			})
			require.NoError(t, err)

			id := uuid.NewString()
			jobs[id] = output
			fmt.Fprintf(w, `{"id": %q, "status": "IN_QUEUE"}`, id)
			return
		}

		parts := strings.Split(r.URL.Path, "/")
		id := parts[len(parts)-1]
		output, ok := jobs[id]
		if !ok {
			http.Error(w, "no such job", http.StatusNotFound)
			return
		}

		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id": id, "status": "COMPLETED", "output": output,
		})
	}))
}

func TestInpaintWorkflow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := database.NewDatabase(setupPostgresContainer(t, ctx))
	require.NoError(t, err)

	store, err := storage.NewS3ObjectStore("test-jobs", storage.S3ClientConfig{
		Endpoint:        setupMinioContainer(t, ctx),
		AccessKeyID:     minioUsername,
		SecretAccessKey: minioPassword,
	})
	require.NoError(t, err)
	require.NoError(t, store.EnsureBucket(ctx))

	provider := fakeProvider(t)
	t.Cleanup(provider.Close)

	client, err := faas.NewClient(faas.Config{
		BaseURL:      provider.URL,
		EndpointID:   "test-endpoint",
		APIKey:       "test-key",
		PollInterval: 10 * time.Millisecond,
		PollTimeout:  30 * time.Second,
	})
	require.NoError(t, err)

	queue := messaging.NewInMemoryQueue()
	t.Cleanup(queue.Close)

	w := worker.NewWorker(db, store, queue, faas.NewInpainter(client), faas.NewSegmenter(client))
	workerCtx, stopWorker := context.WithCancel(ctx)
	t.Cleanup(stopWorker)
	go w.Start(workerCtx)

	router := chi.NewRouter()
	backend.NewBackendService(db, queue, store).AddRoutes(router)

	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for x := 0; x < 40; x++ {
		for y := 0; y < 30; y++ {
			img.Set(x, y, color.RGBA{R: uint8(3 * x), G: uint8(5 * y), A: 255})
		}
	}
	imageData, err := codec.EncodePNG(img)
	require.NoError(t, err)

	var submitted api.SubmitJobResponse
	require.NoError(t, httpRequest(router, http.MethodPost, "/jobs/inpaint", api.InpaintRequest{
		Image: base64.StdEncoding.EncodeToString(imageData),
		Mask:  base64.StdEncoding.EncodeToString(imageData),
	}, &submitted))
	require.NotEqual(t, uuid.Nil, submitted.JobId)

	var job api.Job
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, httpRequest(router, http.MethodGet, "/jobs/"+submitted.JobId.String(), nil, &job))
		if job.Status == database.JobCompleted || job.Status == database.JobFailed {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.Equal(t, database.JobCompleted, job.Status)
	assert.NotEmpty(t, job.RemoteJobId)
	assert.NotNil(t, job.CompletionTime)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+submitted.JobId.String()+"/result", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	width, height, err := codec.Dimensions(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 40, width)
	assert.Equal(t, 30, height)

	req = httptest.NewRequest(http.MethodDelete, "/jobs/"+submitted.JobId.String(), nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	objs, err := store.ListObjects(ctx, "jobs/"+submitted.JobId.String())
	require.NoError(t, err)
	assert.Empty(t, objs)

	req = httptest.NewRequest(http.MethodGet, "/jobs/"+submitted.JobId.String(), nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
