package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kiln/internal/api"
)

func TestInterruptibleReturnsResult(t *testing.T) {
	err := interruptible(context.Background(), func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("err = %v", err)
	}

	boom := errors.New("boom")
	if err := interruptible(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestInterruptibleResolvesStuckCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	block := make(chan struct{})
	defer close(block)
	start := time.Now()
	err := interruptible(ctx, func(context.Context) error {
		// Simulates a call stuck past the reach of its context.
		<-block
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("interrupt took %s; the poll loop is not bounding it", elapsed)
	}
}

func TestSubmitFillsClientIdentity(t *testing.T) {
	var received api.SubmitRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		_ = json.NewEncoder(w).Encode(api.SubmitResponse{RequestID: "r1", Status: api.StatusQueued})
	}))
	defer server.Close()

	c := New(server.URL)
	resp, err := c.Submit(context.Background(), api.SubmitRequest{Kind: api.KindBuild, Env: "uno"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.RequestID != "r1" {
		t.Fatalf("resp = %+v", resp)
	}
	if received.ClientPID == 0 || received.ClientCWD == "" {
		t.Fatalf("identity not filled: %+v", received)
	}
}

func TestDecodeErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "client_pid is required"})
	}))
	defer server.Close()

	c := New(server.URL)
	_, err := c.Devices(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got != "coordinator: client_pid is required" {
		t.Fatalf("err = %q", got)
	}
}
