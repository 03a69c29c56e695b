package www

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe/config"
	"scribe/engine"
	"scribe/power"
	"scribe/store"
)

type fakeSensor struct{}

func (fakeSensor) Read() (power.Sample, error) { return 600, nil }

type fakePort struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Write(b)
}

func (p *fakePort) contains(s string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Contains(p.buf.Bytes(), []byte(s))
}

type testEnv struct {
	eng     *engine.Engine
	db      *store.DB
	port    *fakePort
	handler http.Handler
	cfgPath string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Power.SampleInterval = 5 * time.Millisecond
	cfg.Printer.SelfTest = false

	db, err := store.Open(filepath.Join(dir, "scribe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{db: db, port: &fakePort{}, cfgPath: filepath.Join(dir, "scribe.yaml")}
	env.eng = engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: env.cfgPath,
		DB:         db,
		Logger:     zerolog.Nop(),
		DeviceID:   "a4:0f:12:00:0b:7e",
		Host:       engine.Host{Sensor: fakeSensor{}, Port: env.port},
	})
	env.eng.Start(context.Background())
	t.Cleanup(env.eng.Stop)

	handler, stop := NewRouter(env.eng)
	t.Cleanup(stop)
	env.handler = handler
	return env
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func postForm(message string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(url.Values{"message": {message}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestIndex(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `name="message"`)
	assert.Contains(t, rec.Body.String(), "a4:0f:12:00:0b:7e")
}

func TestSubmit_QueuesAndPrints(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(postForm("hello from the kitchen"))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool { return env.port.contains("hello from the kitchen") }, 2*time.Second, 5*time.Millisecond)
	jobs, err := env.db.ListJobs(10)
	require.NoError(t, err)
	require.NotEmpty(t, jobs)
	assert.Equal(t, "web", jobs[0].Source)
}

func TestSubmit_OversizeBodyIs413(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(postForm(strings.Repeat("a", 600)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	counts, err := env.db.CountJobsByStatus()
	require.NoError(t, err)
	assert.Empty(t, counts, "nothing reaches the queue")
}

func TestSubmit_SucceedsWhateverHappensDownstream(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("message=%FF%FE"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := env.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)

	counts, err := env.db.CountJobsByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[store.JobDropped])
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())

	rec = env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scribe_queue_depth")
}

func TestAPIStatus(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var s engine.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, "a4:0f:12:00:0b:7e", s.DeviceID)
	assert.Equal(t, 8, s.QueueCapacity)
}

func TestAdminAPI_RequiresLogin(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
}

func TestAdminFlow(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	// A short first password creates nothing.
	res, err := client.PostForm(srv.URL+"/login", url.Values{"username": {"admin"}, "password": {"short"}})
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Contains(t, string(body), "Choose a longer password")
	exists, err := env.db.AdminUserExists()
	require.NoError(t, err)
	assert.False(t, exists)

	// First login creates the admin and lands on the admin page.
	res, err = client.PostForm(srv.URL+"/login", url.Values{"username": {"admin"}, "password": {"s3cret-pass"}})
	require.NoError(t, err)
	body, _ = io.ReadAll(res.Body)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "Device a4:0f:12:00:0b:7e")

	admin, err := env.db.GetAdminUser("admin")
	require.NoError(t, err)
	assert.False(t, admin.LastLoginAt.IsZero(), "login is stamped")

	// A weak replacement password is refused.
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/config/password",
		strings.NewReader(`{"old_password":"s3cret-pass","new_password":"1234"}`))
	require.NoError(t, err)
	res, err = client.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, err = client.Get(srv.URL + "/api/jobs")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	req, err = http.NewRequest(http.MethodPut, srv.URL+"/api/config/credentials",
		strings.NewReader(`{"mqtt_user":"printer-7","mqtt_password":"pw"}`))
	require.NoError(t, err)
	res, err = client.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	creds := env.eng.Credentials()
	assert.Equal(t, "printer-7", creds.MQTTUser())
	assert.Equal(t, "pw", creds.MQTTPassword())
	assert.Equal(t, "", creds.WifiSSID(), "unset fields are untouched")

	saved, err := os.ReadFile(env.cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(saved), "printer-7")

	// A second, wrong login is rejected.
	other := &http.Client{}
	res, err = other.PostForm(srv.URL+"/login", url.Values{"username": {"admin"}, "password": {"wrong"}})
	require.NoError(t, err)
	body, _ = io.ReadAll(res.Body)
	res.Body.Close()
	assert.Contains(t, string(body), "Invalid username or password")
}

func TestSessionStore_RefusesExpiredSessions(t *testing.T) {
	s := newSessionStore("")
	rec := httptest.NewRecorder()
	require.NoError(t, s.setUser(rec, httptest.NewRequest(http.MethodGet, "/", nil), "admin"))

	replay := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		for _, c := range rec.Result().Cookies() {
			req.AddCookie(c)
		}
		return req
	}
	user, ok := s.getUser(replay())
	require.True(t, ok)
	assert.Equal(t, "admin", user)

	s.now = func() time.Time { return time.Now().Add(sessionTTL + time.Minute) }
	_, ok = s.getUser(replay())
	assert.False(t, ok, "a replayed cookie past its lifetime is refused")

	_, ok = s.getUser(httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.False(t, ok)
}

func TestTemplateFuncs(t *testing.T) {
	assert.Equal(t, "-", stamp(time.Time{}))
	assert.Equal(t, "2026-05-04 08:30:00", stamp(time.Date(2026, 5, 4, 10, 30, 0, 0, time.FixedZone("CEST", 2*3600))))
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "abcd…", clip("abcdefgh", 5))
	assert.Equal(t, "äöü…", clip("äöüßéè", 4))
}

func TestUpdateCredentials_EmptyIsRejected(t *testing.T) {
	env := newTestEnv(t)
	h := &Handlers{engine: env.eng, log: zerolog.Nop()}
	rec := httptest.NewRecorder()
	h.apiUpdateCredentials(rec, httptest.NewRequest(http.MethodPut, "/api/config/credentials", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSSE_StreamsEngineEvents(t *testing.T) {
	env := newTestEnv(t)
	hub := NewEventHub(zerolog.Nop())
	hub.SetupEngineListeners(env.eng)
	hub.Start()
	defer hub.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		hub.HandleSSE(rec, httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx))
		close(done)
	}()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, time.Millisecond)
	env.eng.Events.Emit(engine.Event{Type: engine.EventJobDropped, Payload: engine.JobDroppedEvent{Source: "mqtt", Reason: "too large"}})
	env.eng.Events.Emit(engine.Event{Type: engine.EventSensorError, Payload: engine.SensorErrorEvent{Error: "eio"}})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	out := rec.Body.String()
	assert.Contains(t, out, "retry: 3000\nevent: connected")
	assert.Contains(t, out, `"device_id":"a4:0f:12:00:0b:7e"`, "new clients get the snapshot")
	assert.Regexp(t, `id: \d+\nevent: job-dropped`, out)
	assert.Contains(t, out, "event: job-dropped")
	assert.Contains(t, out, `"reason":"too large"`)
	assert.NotContains(t, out, "eio", "sensor errors are not streamed")
}

// stallWriter accepts the greeting, then blocks every later write until
// release is closed, like a client that stopped reading.
type stallWriter struct {
	header  http.Header
	mu      sync.Mutex
	buf     bytes.Buffer
	writes  int
	release chan struct{}
}

func (w *stallWriter) Header() http.Header { return w.header }

func (w *stallWriter) WriteHeader(int) {}

func (w *stallWriter) Flush() {}

func (w *stallWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	w.writes++
	n := w.writes
	w.mu.Unlock()
	if n > 1 {
		<-w.release
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(b)
}

func TestSSE_SlowClientIsDisconnected(t *testing.T) {
	hub := NewEventHub(zerolog.Nop())
	hub.Start()
	defer hub.Stop()

	w := &stallWriter{header: http.Header{}, release: make(chan struct{})}
	done := make(chan struct{})
	go func() {
		hub.HandleSSE(w, httptest.NewRequest(http.MethodGet, "/events", nil))
		close(done)
	}()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < sseClientBuf+8; i++ {
		hub.Broadcast(SSEEvent{Type: "job-queued", Data: map[string]int{"n": i}})
	}
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, time.Millisecond)

	close(w.release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler of a dropped client did not return")
	}
}

func TestSSE_RejectsClientsOverLimit(t *testing.T) {
	hub := NewEventHub(zerolog.Nop())
	for i := 0; i < sseMaxClients; i++ {
		require.True(t, hub.register(&sseClient{frames: make(chan []byte, 1), gone: make(chan struct{})}))
	}
	rec := httptest.NewRecorder()
	hub.HandleSSE(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, sseMaxClients, hub.Clients())
}
