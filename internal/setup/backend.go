package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ecotrack/ecotrack/internal/gateway"
	"github.com/ecotrack/ecotrack/internal/model"
)

// BackendInfo is what the wizard learns about a reachable backend.
type BackendInfo struct {
	// Reports is the number of reports the backend already holds.
	Reports int
	// Latency is the round trip of the health probe.
	Latency time.Duration
}

// String returns a one-line summary for the wizard.
func (b BackendInfo) String() string {
	return fmt.Sprintf("%d report(s) on server, %s round trip", b.Reports, b.Latency.Round(time.Millisecond))
}

// DiscoverBackend verifies connectivity with the backend at apiURL and, when
// reachable, checks the token by fetching aggregate statistics. Returns an
// error describing what the user should fix.
func DiscoverBackend(ctx context.Context, apiURL, token string, logger *slog.Logger) (BackendInfo, error) {
	var tokens gateway.TokenSource
	if token != "" {
		tokens = gateway.StaticToken(token)
	}
	client, err := gateway.New(gateway.Config{
		BaseURL:       apiURL,
		Timeout:       5 * time.Second,
		RetryAttempts: 1,
		Tokens:        tokens,
		Logger:        logger,
	})
	if err != nil {
		return BackendInfo{}, err
	}

	start := time.Now()
	if err := client.Probe(ctx); err != nil {
		return BackendInfo{}, fmt.Errorf("connecting to %s: %w", apiURL, err)
	}
	info := BackendInfo{Latency: time.Since(start)}

	var stats model.Statistics
	err = client.Get(ctx, "/api/reports/statistics", nil, &stats)
	switch {
	case err == nil:
		info.Reports = stats.Total
	case gateway.KindOf(err) == gateway.KindAuth:
		if errors.Is(err, gateway.ErrTokenExpired) {
			return info, fmt.Errorf("access token has expired")
		}
		return info, fmt.Errorf("invalid access token (HTTP 401)")
	default:
		logger.Warn("backend reachable but statistics unavailable", "error", err)
	}
	return info, nil
}
