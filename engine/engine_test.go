package engine

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe/config"
	"scribe/metrics"
	"scribe/power"
	"scribe/printer"
	"scribe/store"
)

type fakeSensor struct {
	value atomic.Uint32
}

func (s *fakeSensor) Read() (power.Sample, error) {
	return power.Sample(s.value.Load()), nil
}

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

type fakeHalter struct {
	calls atomic.Int32
}

func (h *fakeHalter) Halt(ctx context.Context) error {
	h.calls.Add(1)
	return nil
}

type rig struct {
	eng    *Engine
	db     *store.DB
	port   *fakePort
	sensor *fakeSensor
	sw     *fakeSensor
	halter *fakeHalter
}

func startEngine(t *testing.T, tweak func(*config.Config)) *rig {
	t.Helper()
	cfg := config.Defaults()
	cfg.Power.SampleInterval = 2 * time.Millisecond
	cfg.Shutdown.Grace = 20 * time.Millisecond
	cfg.Shutdown.SwitchInterval = 2 * time.Millisecond
	cfg.Printer.SelfTest = false
	if tweak != nil {
		tweak(cfg)
	}

	db, err := store.Open(filepath.Join(t.TempDir(), "scribe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r := &rig{db: db, port: &fakePort{}, sensor: &fakeSensor{}, sw: &fakeSensor{}, halter: &fakeHalter{}}
	r.sensor.value.Store(600)
	r.sw.value.Store(3000)
	r.eng = New(Config{
		AppConfig: cfg,
		DB:        db,
		Logger:    zerolog.Nop(),
		DeviceID:  "a4:0f:12:00:0b:7e",
		Host: Host{
			Sensor: r.sensor,
			Switch: r.sw,
			Port:   r.port,
			Halter: r.halter,
		},
	})
	r.eng.Start(context.Background())
	t.Cleanup(r.eng.Stop)
	return r
}

func TestEngine_PrintsAndJournalsJobs(t *testing.T) {
	r := startEngine(t, nil)
	printed := testutil.ToFloat64(metrics.JobsTotal.WithLabelValues("web", "printed"))

	job, err := r.eng.Queue().Submit(context.Background(), printer.SourceWeb, "hello from the web form")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := r.db.GetJob(job.ID.String())
		return err == nil && j.Status == store.JobPrinted
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, r.port.contains("hello from the web form"))
	assert.Equal(t, printed+1, testutil.ToFloat64(metrics.JobsTotal.WithLabelValues("web", "printed")))
}

func TestEngine_DroppedMessagesAreJournaled(t *testing.T) {
	r := startEngine(t, nil)
	_, err := r.eng.Queue().Submit(context.Background(), printer.SourceMQTT, "\xff\xfe")
	require.ErrorIs(t, err, printer.ErrInvalidText)

	counts, err := r.db.CountJobsByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[store.JobDropped])
}

func TestEngine_SelfTestPrint(t *testing.T) {
	r := startEngine(t, func(c *config.Config) { c.Printer.SelfTest = true })
	require.Eventually(t, func() bool { return r.port.contains("Test Print,") }, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_Snapshot(t *testing.T) {
	r := startEngine(t, nil)
	require.Eventually(t, func() bool { return r.eng.Snapshot().PowerLevel == 600 }, time.Second, time.Millisecond)

	s := r.eng.Snapshot()
	assert.Equal(t, "a4:0f:12:00:0b:7e", s.DeviceID)
	assert.Equal(t, "up", s.Link, "without a radio the link is assumed up")
	assert.Equal(t, "normal", s.Power)
	assert.Equal(t, "running", s.Shutdown)
	assert.Equal(t, 8, s.QueueCapacity)
	assert.False(t, s.Session)
}

func TestEngine_PowerLossHaltsAfterGrace(t *testing.T) {
	r := startEngine(t, nil)

	var mu sync.Mutex
	var transitions []string
	r.eng.Events.SubscribeTypes(func(evt Event) {
		p := evt.Payload.(ShutdownStateEvent)
		mu.Lock()
		transitions = append(transitions, p.NewState)
		mu.Unlock()
	}, EventShutdownState)

	r.sensor.value.Store(1500)
	require.Eventually(t, func() bool { return r.halter.calls.Load() == 1 }, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"pending", "halted"}, transitions)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PowerCondition))
}

func TestEngine_ShutdownSwitchHaltsWithoutGrace(t *testing.T) {
	r := startEngine(t, func(c *config.Config) { c.Shutdown.Grace = time.Hour })

	var mu sync.Mutex
	var transitions []string
	r.eng.Events.SubscribeTypes(func(evt Event) {
		p := evt.Payload.(ShutdownStateEvent)
		mu.Lock()
		transitions = append(transitions, p.NewState)
		mu.Unlock()
	}, EventShutdownState)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, r.halter.calls.Load(), "a high shutdown line is idle")

	r.sw.value.Store(3)
	require.Eventually(t, func() bool { return r.halter.calls.Load() == 1 }, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"halted"}, transitions)
	assert.Equal(t, "halted", r.eng.Snapshot().Shutdown)
}
