package api_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ahrdadan/jqgo/internal/api"
	"github.com/ahrdadan/jqgo/internal/queue"
	"github.com/ahrdadan/jqgo/pkg/jqgo"
	"github.com/ahrdadan/jqgo/pkg/jqgo/jqgotest"
)

type engineStatus struct{}

func (engineStatus) Name() string        { return "chrome" }
func (engineStatus) IsRunning() bool     { return true }
func (engineStatus) GetEndpoint() string { return "ws://127.0.0.1:9222/devtools/browser" }

// memoryQueue keeps jobs in a store without running them.
type memoryQueue struct {
	store *queue.Store
	hub   *queue.EventHub
}

func newMemoryQueue(t *testing.T) *memoryQueue {
	q := &memoryQueue{store: queue.NewStore(0, nil), hub: queue.NewEventHub()}
	t.Cleanup(q.store.Stop)
	return q
}

func (q *memoryQueue) EnqueueWithIdempotency(_ context.Context, job *queue.Job) (*queue.Job, bool, error) {
	if job.IdempotencyKey != "" {
		if existing, ok := q.store.GetByIdempotencyKey(job.IdempotencyKey); ok {
			return existing, true, nil
		}
	}
	q.store.Save(job)
	return job, false, nil
}

func (q *memoryQueue) GetJob(id string) (*queue.Job, error) { return q.store.Get(id) }
func (q *memoryQueue) ListJobs() []*queue.Job               { return q.store.List() }

func (q *memoryQueue) CancelJob(id string) (*queue.Job, error) {
	job, err := q.store.Get(id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, queue.ErrNotCancelable
	}
	job.SetStatus(queue.JobStatusCanceled)
	return job, q.store.Update(job)
}

func (q *memoryQueue) Subscribe(id string) <-chan queue.Event { return q.hub.Subscribe(id) }
func (q *memoryQueue) Unsubscribe(id string, ch <-chan queue.Event) {
	q.hub.Unsubscribe(id, ch)
}

func testBrowser() *jqgotest.Browser {
	b := jqgotest.NewBrowser()
	b.WriteRenders = true
	b.Route("http://localhost/node", &jqgotest.Document{Nodes: map[string][]*jqgotest.Element{
		"#title": {{Text: "Welcome", Attrs: map[string]string{"data-id": "7"}}},
		"h2 a":   {{Text: "One"}, {Text: "Two"}, {Text: "Three"}},
	}})
	return b
}

func testFactory(ctx context.Context, cfg jqgo.Config) (*jqgo.Session, error) {
	return jqgo.New(testBrowser(), cfg), nil
}

type testApp struct {
	*fiber.App
	jobs *memoryQueue
}

func setupTestApp(t *testing.T, factory queue.SessionFactory, mutate ...func(*api.RouteConfig)) *testApp {
	app := fiber.New(fiber.Config{ErrorHandler: api.ErrorHandler})
	handler := api.NewHandler(engineStatus{}, factory, jqgo.Config{
		Site:         "http://localhost",
		PollInterval: 5 * time.Millisecond,
	}, nil)

	cfg := api.DefaultRouteConfig()
	cfg.BaseURL = "http://jqgo.test"
	for _, m := range mutate {
		m(&cfg)
	}

	jobs := newMemoryQueue(t)
	stop := api.SetupRoutes(app, handler, jobs, cfg)
	t.Cleanup(stop)
	return &testApp{App: app, jobs: jobs}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func do(t *testing.T, app *testApp, method, path, body string, headers ...string) (*http.Response, envelope) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var env envelope
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	} else {
		env.Data = raw
	}
	return resp, env
}

func TestHealthCheck(t *testing.T) {
	app := setupTestApp(t, testFactory)

	resp, env := do(t, app, fiber.MethodGet, "/health", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)
	assert.Contains(t, string(env.Data), `"status":"ok"`)
}

func TestBrowserStatus(t *testing.T) {
	app := setupTestApp(t, testFactory)

	resp, env := do(t, app, fiber.MethodGet, "/jqgo/browser/status", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"engine":"chrome","running":true,"endpoint":"ws://127.0.0.1:9222/devtools/browser"}`, string(env.Data))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestRunScenario(t *testing.T) {
	app := setupTestApp(t, testFactory)

	body := `{"scenario":{"name":"nodes","steps":[
		{"action":"visit","path":"/node"},
		{"action":"text","selector":"#title","save":"title"},
		{"action":"each","selector":"h2 a","save":"links"}]}}`
	resp, env := do(t, app, fiber.MethodPost, "/jqgo/run", body)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, env.Error)

	var res struct {
		Name   string                 `json:"name"`
		Values map[string]interface{} `json:"values"`
		Steps  []json.RawMessage      `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "nodes", res.Name)
	assert.Equal(t, "Welcome", res.Values["title"])
	assert.Equal(t, []interface{}{"One", "Two", "Three"}, res.Values["links"])
	assert.Len(t, res.Steps, 3)
}

func TestRunScenarioFailureReturnsPartialResult(t *testing.T) {
	app := setupTestApp(t, testFactory)

	body := `{"scenario":{"name":"broken","steps":[
		{"action":"visit","path":"/node"},
		{"action":"invoke","selector":"#title","method":"explode"}]}}`
	resp, env := do(t, app, fiber.MethodPost, "/jqgo/run", body)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "step 1 (invoke)")
	assert.Contains(t, string(env.Data), `"name":"broken"`)
}

func TestRunScenarioInvalid(t *testing.T) {
	app := setupTestApp(t, testFactory)

	resp, env := do(t, app, fiber.MethodPost, "/jqgo/run", `{"scenario":{"name":"empty"}}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, env.Error, "no steps")

	resp, _ = do(t, app, fiber.MethodPost, "/jqgo/run", `{`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestRunSessionUnavailable(t *testing.T) {
	app := setupTestApp(t, func(context.Context, jqgo.Config) (*jqgo.Session, error) {
		return nil, errors.New("browser down")
	})

	resp, env := do(t, app, fiber.MethodPost, "/jqgo/query", `{"path":"/node","selector":"#title"}`)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, env.Error, "browser down")
}

func TestQuery(t *testing.T) {
	app := setupTestApp(t, testFactory)

	resp, env := do(t, app, fiber.MethodPost, "/jqgo/query", `{"path":"/node","selector":"#title"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, env.Error)
	assert.JSONEq(t, `{"value":"Welcome"}`, string(env.Data))

	resp, env = do(t, app, fiber.MethodPost, "/jqgo/query", `{"path":"/node","selector":"#title","method":"attr","args":["data-id"]}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, env.Error)
	assert.JSONEq(t, `{"value":"7"}`, string(env.Data))

	resp, env = do(t, app, fiber.MethodPost, "/jqgo/query", `{"path":"/node"}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, env.Error, "selector is required")
}

func TestEach(t *testing.T) {
	app := setupTestApp(t, testFactory)

	resp, env := do(t, app, fiber.MethodPost, "/jqgo/each", `{"path":"/node","selector":"h2 a"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, env.Error)
	assert.JSONEq(t, `{"values":["One","Two","Three"]}`, string(env.Data))
}

func TestCapture(t *testing.T) {
	app := setupTestApp(t, testFactory)

	resp, env := do(t, app, fiber.MethodPost, "/jqgo/capture", `{"path":"/node","format":"pdf"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, env.Error)

	var out struct {
		Format string `json:"format"`
		Data   string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, "pdf", out.Format)
	decoded, err := base64.StdEncoding.DecodeString(out.Data)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost/node", string(decoded))

	resp, _ = do(t, app, fiber.MethodPost, "/jqgo/capture", `{"path":"/node","format":"gif"}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

const jobBody = `{"scenario":{"name":"nodes","steps":[{"action":"visit","path":"/node"}]},"priority":3}`

func createJob(t *testing.T, app *testApp, headers ...string) (*http.Response, queue.JobCreatedResponse) {
	t.Helper()
	resp, env := do(t, app, fiber.MethodPost, "/jqgo/jobs", jobBody, headers...)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode, env.Error)
	var created queue.JobCreatedResponse
	require.NoError(t, json.Unmarshal(env.Data, &created))
	return resp, created
}

func TestCreateJob(t *testing.T) {
	app := setupTestApp(t, testFactory)

	_, created := createJob(t, app)
	assert.Equal(t, queue.JobStatusQueued, created.Status)
	assert.Equal(t, "http://jqgo.test/jqgo/jobs/"+created.JobID, created.StatusURL)
	assert.Equal(t, "http://jqgo.test/jqgo/jobs/"+created.JobID+"/result", created.ResultURL)
	assert.Equal(t, "ws://jqgo.test/jqgo/ws?job_id="+created.JobID, created.Events.WSURL)

	job, err := app.jobs.GetJob(created.JobID)
	require.NoError(t, err)
	assert.Equal(t, 3, job.Priority)
	assert.Equal(t, "nodes", job.Request.Scenario.Name)
}

func TestCreateJobIdempotency(t *testing.T) {
	app := setupTestApp(t, testFactory)

	_, first := createJob(t, app, "X-Idempotency-Key", "once")
	resp, second := createJob(t, app, "X-Idempotency-Key", "once")

	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, "true", resp.Header.Get("X-Idempotency-Replayed"))
	assert.Len(t, app.jobs.ListJobs(), 1)

	createJob(t, app, "X-Idempotency-Key", "another-key-xx")
	job, err := app.jobs.GetJob(first.JobID)
	require.NoError(t, err)
	assert.Equal(t, "once", job.IdempotencyKey)
}

func TestCreateJobInvalid(t *testing.T) {
	app := setupTestApp(t, testFactory)

	resp, env := do(t, app, fiber.MethodPost, "/jqgo/jobs", `{"scenario":{"steps":[{"action":"fly"}]}}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, env.Error, `unknown action "fly"`)

	resp, _ = do(t, app, fiber.MethodPost, "/jqgo/jobs", "x=1", "Content-Type", "text/plain")
	assert.Equal(t, fiber.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestJobLifecycleEndpoints(t *testing.T) {
	app := setupTestApp(t, testFactory)
	_, created := createJob(t, app)
	path := "/jqgo/jobs/" + created.JobID

	resp, env := do(t, app, fiber.MethodGet, path, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(env.Data), `"status":"queued"`)
	assert.Contains(t, string(env.Data), `"scenario":"nodes"`)

	resp, _ = do(t, app, fiber.MethodGet, path+"/result", "")
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, env = do(t, app, fiber.MethodPost, path+"/cancel", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(env.Data), `"status":"canceled"`)

	resp, _ = do(t, app, fiber.MethodPost, path+"/cancel", "")
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, _ = do(t, app, fiber.MethodGet, "/jqgo/jobs/job_missing", "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, app, fiber.MethodPost, "/jqgo/jobs/job_missing/cancel", "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestJobResultAndList(t *testing.T) {
	app := setupTestApp(t, testFactory)
	_, a := createJob(t, app)
	_, b := createJob(t, app)

	job, err := app.jobs.GetJob(a.JobID)
	require.NoError(t, err)
	job.SetResult(map[string]string{"title": "Welcome"})
	require.NoError(t, app.jobs.store.Update(job))

	resp, env := do(t, app, fiber.MethodGet, "/jqgo/jobs/"+a.JobID+"/result", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"job_id":"`+a.JobID+`","status":"succeeded","result":{"title":"Welcome"}}`, string(env.Data))

	resp, env = do(t, app, fiber.MethodGet, "/jqgo/jobs?status=queued", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var listed []queue.JobStatusResponse
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, b.JobID, listed[0].JobID)
}

func TestStreamEventsFinishedJob(t *testing.T) {
	app := setupTestApp(t, testFactory)
	_, created := createJob(t, app)

	job, err := app.jobs.GetJob(created.JobID)
	require.NoError(t, err)
	job.SetError("boom", nil)
	require.NoError(t, app.jobs.store.Update(job))

	resp, env := do(t, app, fiber.MethodGet, "/jqgo/jobs/"+created.JobID+"/events", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(string(env.Data), "event: failed\ndata: {"), string(env.Data))
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	app := setupTestApp(t, testFactory)

	resp, _ := do(t, app, fiber.MethodGet, "/jqgo/ws?job_id=x", "")
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestAPIKeyRequired(t *testing.T) {
	app := setupTestApp(t, testFactory, func(cfg *api.RouteConfig) {
		cfg.APIKeys = []string{"jqgo_secret"}
	})

	resp, _ := do(t, app, fiber.MethodGet, "/jqgo/browser/status", "")
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, app, fiber.MethodGet, "/jqgo/browser/status", "", "X-API-Key", "jqgo_secret")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, _ = do(t, app, fiber.MethodGet, "/health", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	app := setupTestApp(t, testFactory)

	resp, env := do(t, app, fiber.MethodGet, "/metrics", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(env.Data), "jqgo_")
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	app := fiber.New(fiber.Config{ErrorHandler: api.ErrorHandler})
	app.Use(api.RequestLogger(zap.New(core)))
	app.Get("/ok", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/boom", func(c *fiber.Ctx) error { return errors.New("boom") })

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/ok", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/boom", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, "/ok", entries[0].ContextMap()["path"])
	assert.Equal(t, "GET", entries[0].ContextMap()["method"])
	assert.NotEmpty(t, entries[0].ContextMap()["ip"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, "/boom", entries[1].ContextMap()["path"])
	assert.EqualValues(t, 500, entries[1].ContextMap()["status"])
}
