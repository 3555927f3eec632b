package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// InterruptHandler turns SIGINT/SIGTERM into context cancellation. A
// cancelled batch starts no new products but lets in-flight ones finish; a
// second signal exits the process immediately.
type InterruptHandler struct {
	writer      io.Writer
	cancelFunc  context.CancelFunc
	exit        func(code int)
	hint        string
	interrupted bool
	mu          sync.Mutex
}

// NewInterruptHandler creates a new interrupt handler.
func NewInterruptHandler(writer io.Writer) *InterruptHandler {
	if writer == nil {
		writer = os.Stderr
	}
	return &InterruptHandler{
		writer: writer,
		exit:   os.Exit,
	}
}

// SetResumeHint sets the command suggested after an interrupt.
func (h *InterruptHandler) SetResumeHint(hint string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hint = hint
}

// HandleInterrupts returns a context that is cancelled on the first signal.
func (h *InterruptHandler) HandleInterrupts(ctx context.Context) context.Context {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	return h.watch(ctx, sigChan, func() { signal.Stop(sigChan) })
}

func (h *InterruptHandler) watch(ctx context.Context, signals <-chan os.Signal, stop func()) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	h.cancelFunc = cancel

	go func() {
		defer stop()
		select {
		case <-signals:
			h.interrupt()
			cancel()
		case <-ctx.Done():
			return
		}
		// In-flight products are not cancelled, so a second signal is the
		// only way out of a stuck provider call.
		<-signals
		fmt.Fprintln(h.writer, "\n"+FormatError("Forced exit, in-flight products were abandoned"))
		h.exit(130)
	}()

	return ctx
}

func (h *InterruptHandler) interrupt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.interrupted {
		return
	}
	h.interrupted = true

	msg := "\n\n" + FormatWarning("Interrupted! Finishing products already in flight (Ctrl+C again to quit)...")
	if h.hint != "" {
		msg += "\n" + FormatInfo("Resume with: "+h.hint)
	}
	msg += "\n"

	if _, err := fmt.Fprint(h.writer, msg); err != nil {
		// Best effort - we're shutting down anyway
		fmt.Fprintf(os.Stderr, "Failed to write interrupt message: %v\n", err)
	}
}

// WasInterrupted returns true if a signal cancelled the context.
func (h *InterruptHandler) WasInterrupted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupted
}
