package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"depositflow/internal/common/money"
	"depositflow/internal/deposit"
)

// HTTPRail queries a block-explorer style transfers API.
type HTTPRail struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPRail creates a new rail client
func NewHTTPRail(cfg HTTPRailConfig) *HTTPRail {
	return &HTTPRail{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: newHTTPClient(cfg.Timeout),
	}
}

// Transfer is one inbound transfer as reported by the rail API.
type Transfer struct {
	Reference  string          `json:"reference"`
	Address    string          `json:"address"`
	Memo       string          `json:"memo"`
	Asset      money.Asset     `json:"asset"`
	Amount     decimal.Decimal `json:"amount"`
	Status     string          `json:"status"` // pending, confirmed
	ObservedAt time.Time       `json:"observed_at"`
}

type transfersResponse struct {
	Data []Transfer `json:"data"`
}

// Lookup returns the earliest confirmed transfer to dest, else the earliest
// pending one, else nil.
func (r *HTTPRail) Lookup(ctx context.Context, dest deposit.Destination, asset money.Asset) (*deposit.Observation, error) {
	u, err := url.Parse(r.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	u.Path = "/v1/transfers"
	q := u.Query()
	q.Set("address", dest.Address)
	q.Set("memo", dest.Memo)
	q.Set("asset", string(asset))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRailUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrRailUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("rail returned %d: %s", resp.StatusCode, string(body))
	}

	var out transfersResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding transfers: %w", err)
	}
	return pick(out.Data, dest, asset), nil
}

func pick(transfers []Transfer, dest deposit.Destination, asset money.Asset) *deposit.Observation {
	var confirmed, pending []Transfer
	for _, t := range transfers {
		if t.Memo != dest.Memo || t.Asset != asset {
			continue
		}
		switch t.Status {
		case string(deposit.ObservationConfirmed):
			confirmed = append(confirmed, t)
		case string(deposit.ObservationPending):
			pending = append(pending, t)
		}
	}

	for _, set := range [][]Transfer{confirmed, pending} {
		if len(set) == 0 {
			continue
		}
		sort.Slice(set, func(i, j int) bool { return set[i].ObservedAt.Before(set[j].ObservedAt) })
		t := set[0]
		return &deposit.Observation{
			Status:     deposit.ObservationStatus(t.Status),
			Reference:  t.Reference,
			Amount:     money.New(t.Amount, t.Asset),
			ObservedAt: t.ObservedAt,
		}
	}
	return nil
}
