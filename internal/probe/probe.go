// Package probe polls HTTP health endpoints until they answer.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

// Budget bounds a readiness wait.
type Budget struct {
	Tries    int
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultBudget is 60 tries, one second apart, two seconds per try.
var DefaultBudget = Budget{Tries: 60, Interval: time.Second, Timeout: 2 * time.Second}

// Short is used when the service is expected to be running already.
var Short = Budget{Tries: 5, Interval: time.Second, Timeout: 2 * time.Second}

// Prober polls URLs.
type Prober struct {
	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
	Log       logr.Logger
}

// New returns a Prober using the default transport.
func New(log logr.Logger) *Prober {
	return &Prober{Log: log}
}

// WaitReady polls url until it answers 2xx or the budget is spent. Network
// errors count as failed tries and are never returned; a service that is not
// up within the budget yields false.
func (p *Prober) WaitReady(ctx context.Context, url string, b Budget) bool {
	if b.Tries < 1 {
		return false
	}
	client := &http.Client{Transport: p.Transport, Timeout: b.Timeout}

	attempt := 0
	op := func() error {
		attempt++
		err := p.get(ctx, client, url)
		if err != nil {
			p.Log.V(1).Info("not ready", "url", url, "attempt", attempt, "err", err.Error())
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(b.Interval), uint64(b.Tries-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		p.Log.Info("readiness budget exhausted", "url", url, "attempts", attempt)
		return false
	}
	p.Log.V(1).Info("ready", "url", url, "attempts", attempt)
	return true
}

// Check performs a single GET with the given timeout.
func (p *Prober) Check(ctx context.Context, url string, timeout time.Duration) bool {
	client := &http.Client{Transport: p.Transport, Timeout: timeout}
	return p.get(ctx, client, url) == nil
}

func (p *Prober) get(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
