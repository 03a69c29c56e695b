package printer

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePort struct {
	mu     sync.Mutex
	chunks [][]byte
	failOn string
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn != "" && string(b) == p.failOn {
		return 0, errors.New("uart overrun")
	}
	p.chunks = append(p.chunks, append([]byte(nil), b...))
	return len(b), nil
}

func (p *fakePort) written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.chunks))
	for i, c := range p.chunks {
		out[i] = string(c)
	}
	return out
}

type heldGate struct {
	release chan struct{}
}

func (g *heldGate) WaitReady(ctx context.Context) error {
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func testOptions() WriterOptions {
	opts := DefaultWriterOptions()
	opts.LineWidth = 3
	opts.SettleDelay = 0
	return opts
}

var initSequence = []string{"\x1b@", "\x1b7\x0f\x96\xfa", "\x1b{\x01"}

func TestWriter_PrintsUpsideDown(t *testing.T) {
	port := &fakePort{}
	em := &mockEmitter{}
	q := NewQueue(4, nil)
	w := NewWriter(q, port, AlwaysReady{}, testOptions(), em, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, mustJob(t, "A B C D E")))
	q.Close()

	err := w.Run(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)

	want := append(append([]string{}, initSequence...), "E\n", "C D\n", "A B\n", "\n", "\n", "\n")
	assert.Equal(t, want, port.written())

	events := em.printedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, 3, events[0].lines)
	assert.Equal(t, 0, events[0].writeErrors)
}

func TestWriter_ReadingOrderWhenNotUpsideDown(t *testing.T) {
	port := &fakePort{}
	opts := testOptions()
	opts.UpsideDown = false
	opts.TrailerLines = 0
	w := NewWriter(NewQueue(1, nil), port, nil, opts, nil, zerolog.Nop())

	_, err := w.Print(context.Background(), mustJob(t, "A B C D E"))
	require.NoError(t, err)
	assert.Equal(t, []string{"A B\n", "C D\n", "E\n"}, port.written())
}

func TestWriter_BlankJobAdvancesNoPaper(t *testing.T) {
	for _, text := range []string{"", "   ", "   \n\t "} {
		port := &fakePort{}
		em := &mockEmitter{}
		w := NewWriter(NewQueue(1, nil), port, nil, testOptions(), em, zerolog.Nop())

		failed, err := w.Print(context.Background(), mustJob(t, text))
		require.NoError(t, err)
		assert.Zero(t, failed)
		assert.Empty(t, port.written(), "text %q", text)

		events := em.printedEvents()
		require.Len(t, events, 1, "text %q", text)
		assert.Equal(t, 0, events[0].lines)
	}
}

func TestWriter_WaitsForGate(t *testing.T) {
	port := &fakePort{}
	gate := &heldGate{release: make(chan struct{})}
	q := NewQueue(1, nil)
	w := NewWriter(q, port, gate, testOptions(), nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Enqueue(ctx, mustJob(t, "A B")))
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, port.written(), "nothing is sent while the gate is low")

	close(gate.release)
	require.Eventually(t, func() bool {
		return len(port.written()) == len(initSequence)+1+3
	}, time.Second, 5*time.Millisecond)
}

func TestWriter_WriteErrorLosesOnlyThatChunk(t *testing.T) {
	port := &fakePort{failOn: "C D\n"}
	em := &mockEmitter{}
	opts := testOptions()
	opts.TrailerLines = 0
	w := NewWriter(NewQueue(1, nil), port, nil, opts, em, zerolog.Nop())

	failed, err := w.Print(context.Background(), mustJob(t, "A B C D E"))
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.Equal(t, []string{"E\n", "A B\n"}, port.written())

	events := em.printedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].writeErrors)
}

func TestWriter_CancelDuringGateWait(t *testing.T) {
	gate := &heldGate{release: make(chan struct{})}
	w := NewWriter(NewQueue(1, nil), &fakePort{}, gate, testOptions(), nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Run(ctx), context.DeadlineExceeded)
}

func TestGPIOGate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "value")
	require.NoError(t, os.WriteFile(path, []byte("0\n"), 0644))

	gate := NewGPIOGate(path, time.Millisecond, false)
	ok, err := gate.Ready()
	require.NoError(t, err)
	assert.False(t, ok)

	done := make(chan error, 1)
	go func() { done <- gate.WaitReady(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("1\n"), 0644))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("gate did not open")
	}

	low := NewGPIOGate(path, time.Millisecond, true)
	require.NoError(t, os.WriteFile(path, []byte("0"), 0644))
	ok, err = low.Ready()
	require.NoError(t, err)
	assert.True(t, ok, "active-low gate is ready on 0")
}

func TestGPIOGate_MissingFileIsNotReady(t *testing.T) {
	gate := NewGPIOGate(filepath.Join(t.TempDir(), "nope"), time.Millisecond, false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, gate.WaitReady(ctx), context.DeadlineExceeded)
}

func TestTCPPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		received <- string(buf[:n])
	}()

	port := NewTCPPort(ln.Addr().String())
	defer port.Close()
	_, err = port.Write([]byte("hi\n"))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "hi\n", got)
	case <-time.After(time.Second):
		t.Fatal("printer socket received nothing")
	}
}

func TestNewTCPPort_DefaultPort(t *testing.T) {
	p := NewTCPPort("printer.local")
	assert.True(t, strings.HasSuffix(p.addr, ":9100"))
}
