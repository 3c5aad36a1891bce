package shutdown

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestShutdownRunsFuncsInReverseOrder(t *testing.T) {
	m := New(time.Second)

	var order []string
	m.Register(func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	m.Register(func(ctx context.Context) error {
		order = append(order, "second")
		return nil
	})
	m.Register(func(ctx context.Context) error {
		order = append(order, "third")
		return nil
	})

	m.Shutdown()

	if len(order) != 3 || order[0] != "third" || order[2] != "first" {
		t.Errorf("Expected LIFO execution, got %v", order)
	}
}

func TestShutdownContinuesPastErrors(t *testing.T) {
	m := New(time.Second)

	ran := false
	m.Register(func(ctx context.Context) error {
		ran = true
		return nil
	})
	m.Register(func(ctx context.Context) error {
		return errors.New("boom")
	})

	m.Shutdown()

	if !ran {
		t.Error("A failing function stopped the remaining shutdown work")
	}
}

type fakeCloser struct {
	closed bool
	err    error
}

func (f *fakeCloser) Close() error {
	f.closed = true
	return f.err
}

func TestCloseResource(t *testing.T) {
	fc := &fakeCloser{}
	if err := CloseResource(fc, "store")(context.Background()); err != nil {
		t.Fatalf("CloseResource failed: %v", err)
	}
	if !fc.closed {
		t.Error("Resource not closed")
	}

	fc = &fakeCloser{err: errors.New("locked")}
	if err := CloseResource(fc, "store")(context.Background()); err == nil {
		t.Error("Close error swallowed")
	}
}

func TestStopHTTPServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	if err := StopHTTPServer(srv.Config, "api")(context.Background()); err != nil {
		t.Fatalf("StopHTTPServer failed: %v", err)
	}
	if _, err := http.Get(srv.URL); err == nil {
		t.Error("Server still accepting connections after shutdown")
	}
}

func TestWaitUnblocksAndClosesDone(t *testing.T) {
	m := New(time.Second)

	select {
	case <-m.Done():
		t.Fatal("Done closed before any signal")
	default:
	}

	waited := make(chan struct{})
	go func() {
		m.Wait()
		close(waited)
	}()

	// Give Wait a moment to install its signal handler
	time.Sleep(50 * time.Millisecond)
	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("Failed to signal self: %v", err)
	}

	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return on SIGTERM")
	}

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after shutdown was initiated")
	}
}
