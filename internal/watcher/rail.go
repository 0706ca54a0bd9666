// Package watcher observes the settlement rail for active deposit sessions
// and feeds what it sees back into the session lifecycle.
package watcher

import (
	"context"
	"errors"
	"net/http"
	"time"

	"depositflow/internal/common/money"
	"depositflow/internal/deposit"
)

// Rail reports what the settlement rail has seen for a destination. A nil
// observation means nothing has arrived yet.
type Rail interface {
	Lookup(ctx context.Context, dest deposit.Destination, asset money.Asset) (*deposit.Observation, error)
}

var _ deposit.Prober = (Rail)(nil)

// ErrRailUnavailable marks transient rail failures that are worth retrying
var ErrRailUnavailable = errors.New("settlement rail unavailable")

// HTTPRailConfig holds settlement rail API configuration
type HTTPRailConfig struct {
	BaseURL string        `envconfig:"RAIL_BASE_URL" default:"http://localhost:8090"`
	APIKey  string        `envconfig:"RAIL_API_KEY"`
	Timeout time.Duration `envconfig:"RAIL_TIMEOUT" default:"10s"`
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        20,
			IdleConnTimeout:     30 * time.Second,
			MaxIdleConnsPerHost: 20,
		},
	}
}
