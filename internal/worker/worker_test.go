package worker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"imaging-backend/internal/database"
	"imaging-backend/internal/faas"
	"imaging-backend/internal/messaging"
	"imaging-backend/internal/storage"
	"imaging-backend/internal/worker"
	"imaging-backend/pkg/api"
	"imaging-backend/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

// fakeEndpoint emulates the provider's run/status surface. outputFor decides
// the terminal response for each submitted input; a non-empty errMsg turns the
// job into a FAILED one.
type fakeEndpoint struct {
	mu   sync.Mutex
	jobs map[string]map[string]any

	outputFor func(input map[string]any) (output any, errMsg string)
}

func newFakeEndpoint(outputFor func(input map[string]any) (any, string)) *fakeEndpoint {
	return &fakeEndpoint{jobs: make(map[string]map[string]any), outputFor: outputFor}
}

func (f *fakeEndpoint) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case strings.HasSuffix(r.URL.Path, "/run"):
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)

			var req struct {
				Input map[string]any `json:"input"`
			}
			require.NoError(t, json.Unmarshal(body, &req))

			id := uuid.NewString()
			f.jobs[id] = req.Input
			writeJSON(w, map[string]any{"id": id, "status": "IN_QUEUE"})
		default: // status
			parts := strings.Split(r.URL.Path, "/")
			id := parts[len(parts)-1]

			input, ok := f.jobs[id]
			if !ok {
				http.Error(w, "no such job", http.StatusNotFound)
				return
			}

			output, errMsg := f.outputFor(input)
			if errMsg != "" {
				writeJSON(w, map[string]any{"id": id, "status": "FAILED", "error": errMsg})
				return
			}
			writeJSON(w, map[string]any{"id": id, "status": "COMPLETED", "output": output})
		}
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func newTestClient(t *testing.T, baseURL string) *faas.Client {
	client, err := faas.NewClient(faas.Config{
		BaseURL:      baseURL,
		EndpointID:   "test-endpoint",
		APIKey:       "test-key",
		PollInterval: 5 * time.Millisecond,
		PollTimeout:  time.Second,
	})
	require.NoError(t, err)
	return client
}

type workerEnv struct {
	db    *gorm.DB
	store *storage.LocalObjectStore
	queue *messaging.InMemoryQueue
	stop  context.CancelFunc
}

func startWorker(t *testing.T, db *gorm.DB, endpoint *fakeEndpoint) *workerEnv {
	server := httptest.NewServer(endpoint.handler(t))
	t.Cleanup(server.Close)

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	queue := messaging.NewInMemoryQueue()

	client := newTestClient(t, server.URL)
	w := worker.NewWorker(db, store, queue, faas.NewInpainter(client), faas.NewSegmenter(client))

	ctx, cancel := context.WithCancel(context.Background())
	go w.Start(ctx)
	t.Cleanup(cancel)

	return &workerEnv{db: db, store: store, queue: queue, stop: cancel}
}

func (env *workerEnv) waitForTerminal(t *testing.T, jobId uuid.UUID) database.Job {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var job database.Job
		require.NoError(t, env.db.First(&job, "id = ?", jobId).Error)
		if job.Status == database.JobCompleted || job.Status == database.JobFailed {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", jobId)
	return database.Job{}
}

func (env *workerEnv) readObject(t *testing.T, key string) []byte {
	obj, err := env.store.GetObject(context.Background(), key)
	require.NoError(t, err)
	defer obj.Close()

	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	return data
}

func TestWorkerProcessesInpaintJob(t *testing.T) {
	jobId := uuid.New()
	db := createDB(t, &database.Job{
		Id: jobId, Kind: api.JobKindInpaint, Status: database.JobQueued, CreationTime: time.Now().UTC(),
	})

	endpoint := newFakeEndpoint(func(input map[string]any) (any, string) {
		// Echo the input image back as the inpainted result.
		return map[string]any{
			"output_image": input["image"],
			"stats":        map[string]any{"inference_time": 0.5, "overall_time": 1.0},
		}, ""
	})

	env := startWorker(t, db, endpoint)

	require.NoError(t, env.store.PutObject(context.Background(), worker.InputImageKey(jobId), bytes.NewReader([]byte("image bytes"))))
	require.NoError(t, env.store.PutObject(context.Background(), worker.InputMaskKey(jobId), bytes.NewReader([]byte("mask bytes"))))
	require.NoError(t, env.queue.PublishInpaintTask(context.Background(), models.InpaintTaskPayload{JobId: jobId}))

	job := env.waitForTerminal(t, jobId)
	assert.Equal(t, database.JobCompleted, job.Status)
	assert.True(t, job.RemoteJobId.Valid)
	assert.True(t, job.StartTime.Valid)
	assert.True(t, job.CompletionTime.Valid)
	require.True(t, job.ResultKey.Valid)
	assert.Equal(t, worker.ResultImageKey(jobId), job.ResultKey.String)

	assert.Equal(t, []byte("image bytes"), env.readObject(t, job.ResultKey.String))
}

func TestWorkerProcessesSegmentJob(t *testing.T) {
	jobId := uuid.New()
	db := createDB(t, &database.Job{
		Id: jobId, Kind: api.JobKindSegment, Status: database.JobQueued,
		Params:       datatypes.JSON(`{"class_names": ["cat"]}`),
		CreationTime: time.Now().UTC(),
	})

	var classesMu sync.Mutex
	var gotClasses []string
	endpoint := newFakeEndpoint(func(input map[string]any) (any, string) {
		if classes, ok := input["class_names"].([]any); ok {
			classesMu.Lock()
			for _, c := range classes {
				gotClasses = append(gotClasses, c.(string))
			}
			classesMu.Unlock()
		}
		return map[string]any{
			"masks":          []string{"bWFzaw=="}, // "mask"
			"bounding_boxes": [][]float64{{1, 2, 3, 4}},
		}, ""
	})

	env := startWorker(t, db, endpoint)

	require.NoError(t, env.store.PutObject(context.Background(), worker.InputImageKey(jobId), bytes.NewReader([]byte("image bytes"))))
	require.NoError(t, env.queue.PublishSegmentTask(context.Background(), models.SegmentTaskPayload{JobId: jobId}))

	job := env.waitForTerminal(t, jobId)
	assert.Equal(t, database.JobCompleted, job.Status)
	require.True(t, job.ResultKey.Valid)
	assert.Equal(t, worker.ResultSegmentationKey(jobId), job.ResultKey.String)

	classesMu.Lock()
	assert.Equal(t, []string{"cat"}, gotClasses)
	classesMu.Unlock()

	var result api.SegmentationResult
	require.NoError(t, json.Unmarshal(env.readObject(t, job.ResultKey.String), &result))
	assert.Equal(t, []string{"bWFzaw=="}, result.Masks)
	assert.Equal(t, [][]float64{{1, 2, 3, 4}}, result.BoundingBoxes)
}

func TestWorkerMarksFailedJob(t *testing.T) {
	jobId := uuid.New()
	db := createDB(t, &database.Job{
		Id: jobId, Kind: api.JobKindInpaint, Status: database.JobQueued, CreationTime: time.Now().UTC(),
	})

	endpoint := newFakeEndpoint(func(input map[string]any) (any, string) {
		return nil, "CUDA out of memory"
	})

	env := startWorker(t, db, endpoint)

	require.NoError(t, env.store.PutObject(context.Background(), worker.InputImageKey(jobId), bytes.NewReader([]byte("image bytes"))))
	require.NoError(t, env.store.PutObject(context.Background(), worker.InputMaskKey(jobId), bytes.NewReader([]byte("mask bytes"))))
	require.NoError(t, env.queue.PublishInpaintTask(context.Background(), models.InpaintTaskPayload{JobId: jobId}))

	job := env.waitForTerminal(t, jobId)
	assert.Equal(t, database.JobFailed, job.Status)
	require.True(t, job.Error.Valid)
	assert.Contains(t, job.Error.String, "CUDA out of memory")
	assert.False(t, job.ResultKey.Valid)
}

func TestWorkerSkipsFinishedAndDeletedJobs(t *testing.T) {
	completedId, deletedId := uuid.New(), uuid.New()
	db := createDB(t,
		&database.Job{Id: completedId, Kind: api.JobKindInpaint, Status: database.JobCompleted, CreationTime: time.Now().UTC()},
		&database.Job{Id: deletedId, Kind: api.JobKindInpaint, Status: database.JobQueued, Deleted: true, CreationTime: time.Now().UTC()},
	)

	var calls int
	endpoint := newFakeEndpoint(func(input map[string]any) (any, string) {
		calls++
		return nil, "should not be called"
	})

	env := startWorker(t, db, endpoint)

	require.NoError(t, env.queue.PublishInpaintTask(context.Background(), models.InpaintTaskPayload{JobId: completedId}))
	require.NoError(t, env.queue.PublishInpaintTask(context.Background(), models.InpaintTaskPayload{JobId: deletedId}))

	// Let the worker drain both tasks.
	time.Sleep(200 * time.Millisecond)

	var job database.Job
	require.NoError(t, db.First(&job, "id = ?", completedId).Error)
	assert.Equal(t, database.JobCompleted, job.Status)

	job = database.Job{}
	require.NoError(t, db.First(&job, "id = ?", deletedId).Error)
	assert.Equal(t, database.JobQueued, job.Status)

	assert.Zero(t, calls)
}

type staticTask struct {
	queue    string
	payload  []byte
	rejected chan struct{}
}

func (t *staticTask) Type() string    { return t.queue }
func (t *staticTask) Payload() []byte { return t.payload }
func (t *staticTask) Ack() error      { return nil }
func (t *staticTask) Nack() error     { return nil }
func (t *staticTask) Reject() error   { close(t.rejected); return nil }

type staticReceiver struct {
	tasks chan messaging.Task
}

func (r *staticReceiver) Tasks() <-chan messaging.Task { return r.tasks }
func (r *staticReceiver) Close()                       {}

func TestWorkerRejectsMalformedTask(t *testing.T) {
	db := createDB(t)

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	task := &staticTask{queue: messaging.InpaintQueue, payload: []byte("not json"), rejected: make(chan struct{})}
	receiver := &staticReceiver{tasks: make(chan messaging.Task, 1)}
	receiver.tasks <- task

	client := newTestClient(t, "http://localhost:1")
	w := worker.NewWorker(db, store, receiver, faas.NewInpainter(client), faas.NewSegmenter(client))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	select {
	case <-task.rejected:
	case <-time.After(2 * time.Second):
		t.Fatal("malformed task was never rejected")
	}
}

func TestWorkerRequeuesOnTransientFailure(t *testing.T) {
	jobId := uuid.New()
	db := createDB(t, &database.Job{
		Id: jobId, Kind: api.JobKindInpaint, Status: database.JobQueued, CreationTime: time.Now().UTC(),
	})

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.PutObject(context.Background(), worker.InputImageKey(jobId), bytes.NewReader([]byte("image"))))
	require.NoError(t, store.PutObject(context.Background(), worker.InputMaskKey(jobId), bytes.NewReader([]byte("mask"))))

	payload, err := json.Marshal(models.InpaintTaskPayload{JobId: jobId})
	require.NoError(t, err)

	nacked := make(chan struct{})
	task := &nackTask{queue: messaging.InpaintQueue, payload: payload, nacked: nacked}
	receiver := &staticReceiver{tasks: make(chan messaging.Task, 1)}
	receiver.tasks <- task

	// Nothing is listening on this port, so submission fails with a
	// connection error.
	client := newTestClient(t, "http://localhost:1")
	w := worker.NewWorker(db, store, receiver, faas.NewInpainter(client), faas.NewSegmenter(client))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	select {
	case <-nacked:
	case <-time.After(2 * time.Second):
		t.Fatal("task was never nacked")
	}

	// The job must stay requeueable, not be marked failed.
	var job database.Job
	require.NoError(t, db.First(&job, "id = ?", jobId).Error)
	assert.Equal(t, database.JobQueued, job.Status)
}

func TestWorkerRequeuesWhenStoppedMidJob(t *testing.T) {
	jobId := uuid.New()
	db := createDB(t, &database.Job{
		Id: jobId, Kind: api.JobKindInpaint, Status: database.JobQueued, CreationTime: time.Now().UTC(),
	})

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.PutObject(context.Background(), worker.InputImageKey(jobId), bytes.NewReader([]byte("image"))))
	require.NoError(t, store.PutObject(context.Background(), worker.InputMaskKey(jobId), bytes.NewReader([]byte("mask"))))

	// Submission succeeds but every status check hangs, keeping the job in
	// flight until the worker is stopped.
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/run") {
			writeJSON(w, map[string]any{"id": "remote-1", "status": "IN_QUEUE"})
			return
		}
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	payload, err := json.Marshal(models.InpaintTaskPayload{JobId: jobId})
	require.NoError(t, err)

	nacked := make(chan struct{})
	task := &nackTask{queue: messaging.InpaintQueue, payload: payload, nacked: nacked}
	receiver := &staticReceiver{tasks: make(chan messaging.Task, 1)}
	receiver.tasks <- task

	client, err := faas.NewClient(faas.Config{
		BaseURL:      server.URL,
		EndpointID:   "test-endpoint",
		APIKey:       "test-key",
		PollInterval: 5 * time.Millisecond,
		PollTimeout:  time.Minute,
	})
	require.NoError(t, err)

	w := worker.NewWorker(db, store, receiver, faas.NewInpainter(client), faas.NewSegmenter(client))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		var job database.Job
		require.NoError(t, db.First(&job, "id = ?", jobId).Error)
		if job.Status == database.JobRunning {
			break
		}
		require.True(t, time.Now().Before(deadline), "job never reached the remote")
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-nacked:
	case <-time.After(2 * time.Second):
		t.Fatal("task was never nacked")
	}

	// Shutdown must leave the in-flight job requeueable, not failed.
	var job database.Job
	require.NoError(t, db.First(&job, "id = ?", jobId).Error)
	assert.NotEqual(t, database.JobFailed, job.Status)
}

type nackTask struct {
	queue   string
	payload []byte
	nacked  chan struct{}
	once    sync.Once
}

func (t *nackTask) Type() string    { return t.queue }
func (t *nackTask) Payload() []byte { return t.payload }
func (t *nackTask) Ack() error      { return nil }
func (t *nackTask) Nack() error     { t.once.Do(func() { close(t.nacked) }); return nil }
func (t *nackTask) Reject() error   { return nil }
