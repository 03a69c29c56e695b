package netlink

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe/config"
)

type fakeRadio struct {
	mu           sync.Mutex
	started      bool
	ssid         string
	failConnects int
	connectCalls int
	connected    bool
	scans        int
	drop         chan struct{}
}

func newFakeRadio(failConnects int) *fakeRadio {
	return &fakeRadio{failConnects: failConnects, drop: make(chan struct{}, 1)}
}

func (r *fakeRadio) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func (r *fakeRadio) Configure(ssid, password string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ssid = ssid
	return nil
}

func (r *fakeRadio) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	return nil
}

func (r *fakeRadio) Scan(ctx context.Context, limit int) ([]AccessPoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scans++
	return []AccessPoint{{SSID: "shop", BSSID: "00:11:22:33:44:55", Signal: -40}}, nil
}

func (r *fakeRadio) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectCalls++
	if r.connectCalls <= r.failConnects {
		return errors.New("auth timeout")
	}
	r.connected = true
	return nil
}

func (r *fakeRadio) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *fakeRadio) WaitDisconnect(ctx context.Context) error {
	select {
	case <-r.drop:
		r.mu.Lock()
		r.connected = false
		r.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *fakeRadio) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectCalls
}

type fakeStack struct {
	mu   sync.Mutex
	up   bool
	addr netip.Addr
	mac  net.HardwareAddr
}

func (s *fakeStack) LinkUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.up
}

func (s *fakeStack) IPv4() (netip.Addr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr, s.addr.IsValid()
}

func (s *fakeStack) HardwareAddr() (net.HardwareAddr, error) {
	return s.mac, nil
}

func (s *fakeStack) set(up bool, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.up = up
	if addr == "" {
		s.addr = netip.Addr{}
	} else {
		s.addr = netip.MustParseAddr(addr)
	}
}

type mockEmitter struct {
	mu       sync.Mutex
	states   []LinkState
	attempts int
}

func (m *mockEmitter) EmitLinkState(state LinkState, addr netip.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
}

func (m *mockEmitter) EmitLinkAttempt(attempt int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = attempt
}

func instant(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func newTestSupervisor(radio Radio, stack Stack, em EventEmitter) *Supervisor {
	creds := &config.Credentials{}
	creds.Apply(config.Update().WifiSSID("shop").WifiPassword("pw"))
	opts := DefaultOptions()
	opts.ReadyPoll = time.Millisecond
	s := NewSupervisor(radio, stack, creds, opts, em, zerolog.Nop())
	s.after = instant
	return s
}

func currentState(s *Supervisor) LinkState {
	v, _ := s.State().Peek()
	return v
}

func TestSupervisor_KeepsRetryingPastHundredFailures(t *testing.T) {
	radio := newFakeRadio(100)
	stack := &fakeStack{}
	stack.set(true, "192.168.1.50")
	em := &mockEmitter{}
	s := newTestSupervisor(radio, stack, em)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return currentState(s) == Up }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 101, radio.calls(), "the 101st attempt is made and succeeds")
	assert.Equal(t, 101, s.Attempts())
	assert.Equal(t, "192.168.1.50", s.Addr().String())
	assert.Equal(t, "shop", radio.ssid)
	assert.Equal(t, 1, radio.scans, "scan runs once when the radio starts")

	em.mu.Lock()
	assert.Equal(t, 101, em.attempts)
	em.mu.Unlock()
}

func TestSupervisor_UpWaitsForAddress(t *testing.T) {
	radio := newFakeRadio(0)
	stack := &fakeStack{}
	stack.set(true, "")
	s := newTestSupervisor(radio, stack, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return radio.Connected() }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.NotEqual(t, Up, currentState(s), "no address yet")

	stack.set(true, "10.0.0.7")
	require.Eventually(t, func() bool { return currentState(s) == Up }, time.Second, time.Millisecond)
}

func TestSupervisor_ReconnectsAfterDisconnect(t *testing.T) {
	radio := newFakeRadio(0)
	stack := &fakeStack{}
	stack.set(true, "10.0.0.7")
	em := &mockEmitter{}
	s := newTestSupervisor(radio, stack, em)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return currentState(s) == Up }, time.Second, time.Millisecond)
	radio.drop <- struct{}{}

	require.Eventually(t, func() bool { return radio.calls() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return currentState(s) == Up }, time.Second, time.Millisecond)

	em.mu.Lock()
	assert.Contains(t, em.states, Down)
	em.mu.Unlock()
}

func TestSupervisor_StopsOnContext(t *testing.T) {
	radio := newFakeRadio(1 << 30)
	s := newTestSupervisor(radio, &fakeStack{}, nil)
	s.after = time.After
	s.opts.Cooldown = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Run(ctx), context.DeadlineExceeded)
	assert.Equal(t, Down, currentState(s))
}

func TestWaitReady(t *testing.T) {
	stack := &fakeStack{}
	go func() {
		time.Sleep(10 * time.Millisecond)
		stack.set(true, "")
		time.Sleep(10 * time.Millisecond)
		stack.set(true, "172.16.0.2")
	}()
	addr, err := WaitReady(context.Background(), stack, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "172.16.0.2", addr.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = WaitReady(ctx, &fakeStack{}, time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFormatHardwareAddr(t *testing.T) {
	mac := net.HardwareAddr{0xa4, 0x0f, 0x12, 0x00, 0x0b, 0x7e}
	assert.Equal(t, "a4:0f:12:00:0b:7e", FormatHardwareAddr(mac))

	id, err := DeviceID(&fakeStack{mac: mac})
	require.NoError(t, err)
	assert.Equal(t, "a4:0f:12:00:0b:7e", id)

	_, err = DeviceID(&fakeStack{})
	assert.Error(t, err)
}

type flakyResolver struct {
	failures int
	calls    int
}

func (r *flakyResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	r.calls++
	if r.calls <= r.failures {
		return nil, errors.New("temporary failure in name resolution")
	}
	return []string{"192.168.1.33"}, nil
}

func TestResolve(t *testing.T) {
	r := &flakyResolver{failures: ResolveRetries}
	addrs, err := Resolve(context.Background(), r, "broker.local", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.33"}, addrs)
	assert.Equal(t, ResolveRetries+1, r.calls)

	r = &flakyResolver{failures: ResolveRetries + 1}
	_, err = Resolve(context.Background(), r, "broker.local", 0)
	assert.Error(t, err)
	assert.Equal(t, ResolveRetries+1, r.calls)

	addrs, err = Resolve(context.Background(), nil, "10.1.2.3", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.1.2.3"}, addrs)
}

func TestWPARadio(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	state := "SCANNING"
	r := NewWPARadio("", "wlan0", 50*time.Millisecond)
	r.poll = time.Millisecond
	r.run = func(ctx context.Context, name string, args ...string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		cmd := strings.Join(args[2:], " ")
		calls = append(calls, cmd)
		switch args[2] {
		case "add_network":
			return "0\n", nil
		case "status":
			return "bssid=00:11:22:33:44:55\nwpa_state=" + state + "\n", nil
		case "select_network":
			state = "COMPLETED"
		}
		return "OK\n", nil
	}

	assert.Error(t, r.Configure("", "x"))
	require.NoError(t, r.Configure("shop", "s3cret"))
	assert.False(t, r.Started())
	require.NoError(t, r.Start(context.Background()))
	assert.True(t, r.Started())
	assert.False(t, r.Connected())

	require.NoError(t, r.Connect(context.Background()))
	assert.True(t, r.Connected())

	mu.Lock()
	assert.Contains(t, calls, `set_network 0 ssid "shop"`)
	assert.Contains(t, calls, `set_network 0 psk "s3cret"`)
	assert.Contains(t, calls, "select_network 0")
	mu.Unlock()
}

func TestParseScanResults(t *testing.T) {
	out := "bssid / frequency / signal level / flags / ssid\n" +
		"00:11:22:33:44:55\t2412\t-71\t[WPA2-PSK-CCMP][ESS]\tshop\n" +
		"66:77:88:99:aa:bb\t2437\t-40\t[ESS]\tguest\n"
	aps := parseScanResults(out)
	require.Len(t, aps, 2)
	assert.Equal(t, "shop", aps[0].SSID)
	assert.Equal(t, -40, aps[1].Signal)
}
