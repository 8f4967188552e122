package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

var fast = Budget{Tries: 5, Interval: time.Millisecond, Timeout: 200 * time.Millisecond}

func TestWaitReady(t *testing.T) {
	tests := []struct {
		name         string
		failFirst    int32
		status       int
		budget       Budget
		want         bool
		wantAttempts int32
	}{
		{
			name:         "ready on first try",
			status:       http.StatusOK,
			budget:       fast,
			want:         true,
			wantAttempts: 1,
		},
		{
			name:         "ready after cold start",
			failFirst:    3,
			status:       http.StatusNoContent,
			budget:       fast,
			want:         true,
			wantAttempts: 4,
		},
		{
			name:         "never ready exhausts budget",
			failFirst:    100,
			status:       http.StatusOK,
			budget:       fast,
			want:         false,
			wantAttempts: 5,
		},
		{
			name:         "non-2xx is not ready",
			status:       http.StatusServiceUnavailable,
			budget:       fast,
			want:         false,
			wantAttempts: 5,
		},
		{
			name:         "zero tries",
			status:       http.StatusOK,
			budget:       Budget{},
			want:         false,
			wantAttempts: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&hits, 1)
				if n <= tt.failFirst {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := New(logr.Discard())
			got := p.WaitReady(context.Background(), srv.URL+"/health", tt.budget)

			if got != tt.want {
				t.Errorf("WaitReady() = %v, want %v", got, tt.want)
			}
			if n := atomic.LoadInt32(&hits); n != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", n, tt.wantAttempts)
			}
		})
	}
}

func TestWaitReadyConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := New(logr.Discard())
	if p.WaitReady(context.Background(), url, Budget{Tries: 3, Interval: time.Millisecond, Timeout: 100 * time.Millisecond}) {
		t.Error("WaitReady() = true for closed server")
	}
}

func TestWaitReadyPerTryTimeout(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	p := New(logr.Discard())
	start := time.Now()
	got := p.WaitReady(context.Background(), srv.URL, Budget{Tries: 2, Interval: time.Millisecond, Timeout: 50 * time.Millisecond})

	if got {
		t.Error("WaitReady() = true for hanging server")
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Errorf("per-try timeout not applied, took %v", elapsed)
	}
}

func TestWaitReadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(logr.Discard())
	if p.WaitReady(ctx, "http://127.0.0.1:1/", Budget{Tries: 100, Interval: time.Second, Timeout: time.Second}) {
		t.Error("WaitReady() = true on cancelled context")
	}
}

func TestCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(logr.Discard())
	if !p.Check(context.Background(), srv.URL, time.Second) {
		t.Error("Check() = false for healthy server")
	}
}
