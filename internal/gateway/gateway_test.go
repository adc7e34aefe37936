package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/basket/stackrun/internal/bus"
	"github.com/basket/stackrun/internal/cron"
	"github.com/basket/stackrun/internal/engine"
	"github.com/basket/stackrun/internal/executor"
	"github.com/basket/stackrun/internal/gateway"
	"github.com/basket/stackrun/internal/persistence"
	"github.com/basket/stackrun/internal/services"
	"github.com/basket/stackrun/internal/tasks"
)

const testToken = "test-token"

type fixture struct {
	ts     *httptest.Server
	store  *persistence.Store
	engine *engine.Engine
	bus    *bus.Bus
}

func newFixture(t *testing.T, opts ...func(*gateway.Config)) *fixture {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "stackrun.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	native := executor.NewNative()
	if err := tasks.Register(native); err != nil {
		t.Fatalf("register tasks: %v", err)
	}
	reg := services.NewRegistry()
	if err := reg.Register(services.Echo{}); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	eng, err := engine.New(engine.Config{Store: store, Executor: native, Services: reg, Bus: b})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	cfg := gateway.Config{
		Engine:            eng,
		Store:             store,
		Bus:               b,
		Tasks:             native.Tasks,
		AuthToken:         testToken,
		ConfigFingerprint: "cfg-test",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ts := httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, store: store, engine: eng, bus: b}
}

func (f *fixture) do(t *testing.T, method, path, body string, auth bool) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func (f *fixture) submit(t *testing.T, task, input string) string {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/v1/tasks/"+task+"/runs", input, true)
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("submit status = %d body=%s", resp.StatusCode, body)
	}
	var out struct {
		TaskRunID string `json:"task_run_id"`
	}
	decode(t, resp, &out)
	if out.TaskRunID == "" {
		t.Fatal("empty task_run_id")
	}
	return out.TaskRunID
}

func TestGateway_HealthzIsPublic(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/healthz", "", false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]any
	decode(t, resp, &out)
	if out["healthy"] != true {
		t.Fatalf("healthz = %v", out)
	}
}

func TestGateway_AuthRequired(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/v1/tasks", "", false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
		t.Fatalf("WWW-Authenticate = %q", got)
	}

	for header, want := range map[string]int{
		"Bearer wrong":        http.StatusForbidden,
		"bearer " + testToken: http.StatusOK,
		"Basic " + testToken:  http.StatusUnauthorized,
	} {
		req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/v1/tasks", nil)
		req.Header.Set("Authorization", header)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("Authorization %q status = %d, want %d", header, resp.StatusCode, want)
		}
	}
	if resp := f.do(t, http.MethodGet, "/v1/tasks?api_key="+testToken, "", false); resp.StatusCode != http.StatusOK {
		t.Fatalf("query token status = %d, want 200", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/healthz", "", false); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want open", resp.StatusCode)
	}

	body, _ := io.ReadAll(f.do(t, http.MethodGet, "/metrics", "", false).Body)
	for _, want := range []string{`stackrun_http_auth_rejected_total{reason="missing"} 2`, `stackrun_http_auth_rejected_total{reason="invalid"} 1`} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestGateway_AuthDisabledWithoutToken(t *testing.T) {
	f := newFixture(t, func(c *gateway.Config) { c.AuthToken = "" })
	if resp := f.do(t, http.MethodGet, "/v1/tasks", "", false); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestGateway_ListTasks(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/v1/tasks", "", true)
	var out struct {
		Tasks []executor.TaskInfo `json:"tasks"`
	}
	decode(t, resp, &out)
	names := map[string]bool{}
	for _, ti := range out.Tasks {
		names[ti.Name] = true
	}
	for _, want := range tasks.Names() {
		if !names[want] {
			t.Fatalf("task %s missing from %v", want, out.Tasks)
		}
	}
}

func TestGateway_SubmitTickAndInspect(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, "sequential", `{"values":["first","second","third"]}`)

	for i := 0; i < 20; i++ {
		resp := f.do(t, http.MethodPost, "/v1/tick", "", true)
		var d engine.Dispatch
		decode(t, resp, &d)
		if !d.Processed {
			break
		}
	}

	resp := f.do(t, http.MethodGet, "/v1/task-runs/"+id, "", true)
	var tr persistence.TaskRun
	decode(t, resp, &tr)
	if tr.Status != persistence.TaskRunCompleted {
		t.Fatalf("status = %s err=%s", tr.Status, tr.Error)
	}
	if string(tr.Result) != `["first","second","third"]` {
		t.Fatalf("result = %s", tr.Result)
	}

	resp = f.do(t, http.MethodGet, "/v1/task-runs/"+id+"/stack-runs", "", true)
	var frames struct {
		StackRuns []persistence.StackRun `json:"stack_runs"`
	}
	decode(t, resp, &frames)
	if len(frames.StackRuns) != 4 {
		t.Fatalf("frames = %d, want 4 (root + 3 calls)", len(frames.StackRuns))
	}

	resp = f.do(t, http.MethodGet, "/v1/task-runs/"+id+"/events", "", true)
	var events struct {
		Events []persistence.StackRunEvent `json:"events"`
	}
	decode(t, resp, &events)
	if len(events.Events) == 0 {
		t.Fatal("expected recorded events")
	}
}

func TestGateway_SubmitErrors(t *testing.T) {
	f := newFixture(t)
	if resp := f.do(t, http.MethodPost, "/v1/tasks/nope/runs", `{}`, true); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task status = %d, want 404", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/v1/tasks/sequential/runs", `{"values":3}`, true); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad input status = %d, want 400", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/v1/tasks/sequential/runs", `not json`, true); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-JSON status = %d, want 400", resp.StatusCode)
	}
}

func TestGateway_ProcessMissingFrame(t *testing.T) {
	f := newFixture(t)
	if resp := f.do(t, http.MethodPost, "/v1/stack-runs/missing/process", "", true); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/v1/task-runs/missing", "", true); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("task run status = %d, want 404", resp.StatusCode)
	}
}

func TestGateway_ProcessRootFrame(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, "echo", `{"value":"hi"}`)
	root, err := f.store.RootStackRun(context.Background(), id)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	resp := f.do(t, http.MethodPost, "/v1/stack-runs/"+root.ID+"/process", "", true)
	var d engine.Dispatch
	decode(t, resp, &d)
	if !d.Processed || d.StackRunID != root.ID || d.Outcome != engine.OutcomeSuspended {
		t.Fatalf("dispatch = %+v", d)
	}
}

func TestGateway_FailFrame(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, "echo", `{"value":"hi"}`)
	root, err := f.store.RootStackRun(context.Background(), id)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if resp := f.do(t, http.MethodPost, "/v1/stack-runs/"+root.ID+"/fail", `{"reason":"operator"}`, true); resp.StatusCode != http.StatusOK {
		t.Fatalf("fail status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/v1/stack-runs/"+root.ID+"/fail", ``, true); resp.StatusCode != http.StatusConflict {
		t.Fatalf("second fail status = %d, want 409", resp.StatusCode)
	}
	tr, err := f.store.GetTaskRun(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tr.Status != persistence.TaskRunFailed {
		t.Fatalf("status = %s, want failed", tr.Status)
	}
}

func TestGateway_RateLimitOnSubmit(t *testing.T) {
	f := newFixture(t, func(c *gateway.Config) {
		c.RateLimit = gateway.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, BurstSize: 2}
	})
	codes := []int{}
	for i := 0; i < 3; i++ {
		resp := f.do(t, http.MethodPost, "/v1/tasks/echo/runs", `{"value":1}`, true)
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusAccepted || codes[1] != http.StatusAccepted || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
	// Reads are not limited.
	if resp := f.do(t, http.MethodGet, "/v1/tasks", "", true); resp.StatusCode != http.StatusOK {
		t.Fatalf("read status = %d", resp.StatusCode)
	}
}

func TestGateway_MetricsExposesRequests(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/v1/tasks", "", true)
	resp := f.do(t, http.MethodGet, "/metrics", "", false)
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"stackrun_http_requests_total", `path="/v1/tasks"`, "stackrun_dispatchable_frames"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestGateway_StatusReportsEngine(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/v1/status", "", true)
	var out struct {
		Engine      engine.Status `json:"engine"`
		Fingerprint string        `json:"config_fingerprint"`
	}
	decode(t, resp, &out)
	if out.Engine.WorkerID == "" || out.Fingerprint != "cfg-test" {
		t.Fatalf("status = %+v", out)
	}
}

func TestGateway_StreamEndsWhenRunFinishes(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, "echo", `{"value":"hi"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/v1/task-runs/"+id+"/stream", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	go func() {
		_, _ = f.engine.RunUntilIdle(context.Background(), 50)
	}()

	var topics []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			topics = append(topics, strings.TrimPrefix(line, "event: "))
		}
	}
	if len(topics) == 0 || topics[len(topics)-1] != bus.TopicTaskRunCompleted {
		t.Fatalf("topics = %v, want last %s", topics, bus.TopicTaskRunCompleted)
	}
}

func TestGateway_EventsWebSocket(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/events?topic=taskrun.&api_key=" + testToken
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The subscription starts after the upgrade; wait for it before submitting.
	deadline := time.Now().Add(2 * time.Second)
	for f.bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	id := f.submit(t, "echo", `{"value":"ws"}`)
	if _, err := f.engine.RunUntilIdle(ctx, 50); err != nil {
		t.Fatalf("run: %v", err)
	}

	var ev struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Topic != bus.TopicTaskRunCompleted || !strings.Contains(string(ev.Payload), id) {
		t.Fatalf("event = %s %s", ev.Topic, ev.Payload)
	}
}

func TestTracing_ServerSpanAndEventTraceID(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t, func(c *gateway.Config) { c.Tracer = tp.Tracer("test") })

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/v1/tasks/echo/runs", strings.NewReader(`{"value":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-Request-Id", "req-trace-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var out struct {
		TaskRunID string `json:"task_run_id"`
	}
	decode(t, resp, &out)
	_ = resp.Body.Close()

	events, err := f.store.ListEvents(context.Background(), out.TaskRunID)
	if err != nil || len(events) == 0 {
		t.Fatalf("events = %v err=%v", events, err)
	}
	if events[0].TraceID != "req-trace-1" {
		t.Fatalf("trace id = %q, want request id", events[0].TraceID)
	}

	// The span ends after the response is flushed.
	want := "gateway.POST /v1/tasks/{name}/runs"
	deadline := time.Now().Add(2 * time.Second)
	for {
		var names []string
		for _, s := range recorder.Ended() {
			if s.Name() == want {
				return
			}
			names = append(names, s.Name())
		}
		if time.Now().After(deadline) {
			t.Fatalf("spans = %v, want %q", names, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGateway_Schedules(t *testing.T) {
	var sched *cron.Scheduler
	f := newFixture(t, func(c *gateway.Config) {
		sched = cron.NewScheduler(cron.Config{Store: c.Store, Submitter: c.Engine})
		c.Schedules = sched
	})
	id, err := sched.Upsert(context.Background(), cron.Definition{Name: "nightly", CronExpr: "0 3 * * *", TaskName: "echo"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var list struct {
		Schedules []persistence.Schedule `json:"schedules"`
	}
	decode(t, f.do(t, http.MethodGet, "/v1/schedules", "", true), &list)
	if len(list.Schedules) != 1 || list.Schedules[0].Name != "nightly" || !list.Schedules[0].Enabled {
		t.Fatalf("schedules = %+v", list.Schedules)
	}

	var got persistence.Schedule
	decode(t, f.do(t, http.MethodPost, "/v1/schedules/"+id+"/disable", "", true), &got)
	if got.Enabled {
		t.Fatal("schedule still enabled")
	}
	decode(t, f.do(t, http.MethodPost, "/v1/schedules/"+id+"/enable", "", true), &got)
	if !got.Enabled || got.NextRunAt == nil || got.NextRunAt.Minute() != 0 {
		t.Fatalf("re-enabled schedule = %+v", got)
	}

	if resp := f.do(t, http.MethodPost, "/v1/schedules/missing/enable", "", true); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing schedule status = %d, want 404", resp.StatusCode)
	}
}

func TestGateway_SchedulesAbsentWithoutScheduler(t *testing.T) {
	f := newFixture(t)
	if resp := f.do(t, http.MethodGet, "/v1/schedules", "", true); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
