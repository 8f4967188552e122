// Package scrape asks the sandbox Prometheus which targets it is scraping.
package scrape

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
)

// Target is one active scrape target.
type Target struct {
	Job       string
	URL       string
	Health    string
	LastError string
}

// Healthy reports whether the last scrape succeeded.
func (t Target) Healthy() bool {
	return t.Health == string(promv1.HealthGood)
}

// Targets lists the active targets of the Prometheus at address.
func Targets(ctx context.Context, address string, timeout time.Duration) ([]Target, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := promv1.NewAPI(client).Targets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scrape targets: %w", err)
	}

	targets := make([]Target, 0, len(result.Active))
	for _, t := range result.Active {
		targets = append(targets, Target{
			Job:       string(t.Labels["job"]),
			URL:       t.ScrapeURL,
			Health:    string(t.Health),
			LastError: t.LastError,
		})
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Job != targets[j].Job {
			return targets[i].Job < targets[j].Job
		}
		return targets[i].URL < targets[j].URL
	})
	return targets, nil
}
