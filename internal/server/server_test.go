package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"peekrelay/internal/config"
)

func TestNewHTTPServer(t *testing.T) {
	cfg := config.Config{Host: "127.0.0.1", Port: 4321}
	srv := NewHTTPServer(cfg, http.NewServeMux())
	if srv.Addr != "127.0.0.1:4321" {
		t.Fatalf("expected 127.0.0.1:4321, got %q", srv.Addr)
	}
	if srv.ReadHeaderTimeout != 5*time.Second {
		t.Fatalf("unexpected ReadHeaderTimeout")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, config.Config{Host: "127.0.0.1", Port: 0}, http.NewServeMux(), nil)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
