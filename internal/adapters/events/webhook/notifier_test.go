package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func note() *domain.Notification {
	return &domain.Notification{
		LotID:   "lot-1",
		Seq:     3,
		Code:    domain.SystemTieBreakActivated,
		Message: "small-business preference",
		Phase:   domain.PhaseNegotiation,
		At:      time.Date(2026, 6, 1, 9, 10, 0, 0, time.UTC),
	}
}

func TestNewNotifier_RequiresURL(t *testing.T) {
	if _, err := NewNotifier(Config{}); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestNotify_Delivers(t *testing.T) {
	var got domain.Notification
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n, err := NewNotifier(Config{
		URL:     srv.URL,
		Timeout: time.Second,
		Headers: map[string]string{"Authorization": "Bearer hook"},
		Logger:  quiet,
	})
	if err != nil {
		t.Fatalf("NewNotifier() error = %v", err)
	}
	defer n.Close()

	if err := n.Notify(context.Background(), note()); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if got.LotID != "lot-1" || got.Seq != 3 || got.Code != domain.SystemTieBreakActivated {
		t.Errorf("delivered = %+v", got)
	}
	if auth != "Bearer hook" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestNotify_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, _ := NewNotifier(Config{URL: srv.URL, Retries: 2, Backoff: time.Millisecond, Logger: quiet})
	if err := n.Notify(context.Background(), note()); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestNotify_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	n, _ := NewNotifier(Config{URL: srv.URL, Retries: 1, Backoff: time.Millisecond, Logger: quiet})
	if err := n.Notify(context.Background(), note()); err == nil {
		t.Fatal("expected delivery error")
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestNotify_BlockPrivate(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n, _ := NewNotifier(Config{URL: srv.URL, BlockPrivate: true, Logger: quiet})
	if err := n.Notify(context.Background(), note()); err == nil {
		t.Fatal("expected loopback target to be refused")
	}
	if calls.Load() != 0 {
		t.Errorf("calls = %d, want 0", calls.Load())
	}
}
