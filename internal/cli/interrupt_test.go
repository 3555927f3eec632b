package cli

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer provides thread-safe access to a bytes.Buffer.
type syncBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (s *syncBuffer) Write(p []byte) (n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestNewInterruptHandler(t *testing.T) {
	assert.NotNil(t, NewInterruptHandler(nil).writer)
	assert.False(t, NewInterruptHandler(&bytes.Buffer{}).WasInterrupted())
}

func TestInterrupt_PrintsOnce(t *testing.T) {
	output := &syncBuffer{}
	handler := NewInterruptHandler(output)
	handler.SetResumeHint("reprice resume /tmp/run.json")

	handler.interrupt()
	handler.interrupt()

	assert.True(t, handler.WasInterrupted())
	out := output.String()
	assert.Contains(t, out, "Interrupted!")
	assert.Contains(t, out, "reprice resume /tmp/run.json")
	assert.Equal(t, 1, bytes.Count([]byte(out), []byte("Interrupted!")))
}

func TestHandleInterrupts_ParentCancellation(t *testing.T) {
	output := &syncBuffer{}
	handler := NewInterruptHandler(output)

	parent, cancel := context.WithCancel(context.Background())
	ctx := handler.HandleInterrupts(parent)

	select {
	case <-ctx.Done():
		t.Fatal("context should not be cancelled initially")
	default:
	}

	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("derived context was not cancelled")
	}
	require.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.False(t, handler.WasInterrupted(), "only signals count as interrupts")
	assert.Empty(t, output.String())
}

func TestWatch_SecondSignalForcesExit(t *testing.T) {
	output := &syncBuffer{}
	handler := NewInterruptHandler(output)
	exited := make(chan int, 1)
	handler.exit = func(code int) { exited <- code }

	signals := make(chan os.Signal, 2)
	stopped := make(chan struct{})
	ctx := handler.watch(context.Background(), signals, func() { close(stopped) })

	signals <- os.Interrupt
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("first signal did not cancel the context")
	}
	assert.True(t, handler.WasInterrupted())
	select {
	case code := <-exited:
		t.Fatalf("exited with %d after a single signal", code)
	default:
	}

	signals <- os.Interrupt
	select {
	case code := <-exited:
		assert.Equal(t, 130, code)
	case <-time.After(time.Second):
		t.Fatal("second signal did not force an exit")
	}
	<-stopped
	assert.Contains(t, output.String(), "Forced exit")
}
