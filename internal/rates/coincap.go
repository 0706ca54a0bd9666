package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"depositflow/internal/common/money"
)

// CoinCapConfig holds CoinCap API configuration
type CoinCapConfig struct {
	BaseURL string        `envconfig:"COINCAP_BASE_URL" default:"https://rest.coincap.io"`
	APIKey  string        `envconfig:"COINCAP_API_KEY"`
	Timeout time.Duration `envconfig:"COINCAP_TIMEOUT" default:"5s"`
}

// ErrSourceUnavailable marks transient source failures that are worth retrying
var ErrSourceUnavailable = errors.New("rate source unavailable")

// CoinCapSource fetches spot prices from a CoinCap-compatible API
type CoinCapSource struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
}

// NewCoinCapSource creates a new CoinCap client
func NewCoinCapSource(cfg CoinCapConfig) *CoinCapSource {
	return &CoinCapSource{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		},
		now: time.Now,
	}
}

type coinCapAssetResponse struct {
	Data struct {
		ID       string `json:"id"`
		Symbol   string `json:"symbol"`
		PriceUSD string `json:"priceUsd"`
	} `json:"data"`
	Timestamp int64 `json:"timestamp"`
}

type coinCapRateResponse struct {
	Data struct {
		ID      string `json:"id"`
		Symbol  string `json:"symbol"`
		RateUSD string `json:"rateUsd"`
	} `json:"data"`
	Timestamp int64 `json:"timestamp"`
}

// Rate returns how many units of asset one unit of fiat buys
func (c *CoinCapSource) Rate(ctx context.Context, asset, fiat money.Asset) (Snapshot, error) {
	assetInfo, ok := money.Lookup(asset)
	if !ok || assetInfo.SourceID == "" {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}

	var priced coinCapAssetResponse
	if err := c.get(ctx, "/v3/assets/"+assetInfo.SourceID, &priced); err != nil {
		return Snapshot{}, err
	}
	priceUSD, err := decimal.NewFromString(priced.Data.PriceUSD)
	if err != nil || !priceUSD.IsPositive() {
		return Snapshot{}, fmt.Errorf("%w: bad price %q for %s", ErrRateMissing, priced.Data.PriceUSD, asset)
	}

	// units of asset per USD
	rate := decimal.NewFromInt(1).Div(priceUSD)
	observedAt := c.observedAt(priced.Timestamp)

	if fiat != money.USD {
		fiatInfo, ok := money.Lookup(fiat)
		if !ok || fiatInfo.SourceID == "" {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownAsset, fiat)
		}
		var fx coinCapRateResponse
		if err := c.get(ctx, "/v3/rates/"+fiatInfo.SourceID, &fx); err != nil {
			return Snapshot{}, err
		}
		fiatUSD, err := decimal.NewFromString(fx.Data.RateUSD)
		if err != nil || !fiatUSD.IsPositive() {
			return Snapshot{}, fmt.Errorf("%w: bad rate %q for %s", ErrRateMissing, fx.Data.RateUSD, fiat)
		}
		rate = rate.Mul(fiatUSD)
		if fxAt := c.observedAt(fx.Timestamp); fxAt.Before(observedAt) {
			observedAt = fxAt
		}
	}

	return Snapshot{
		Asset:      asset,
		Fiat:       fiat,
		Rate:       rate,
		ObservedAt: observedAt,
		Source:     "coincap",
	}, nil
}

func (c *CoinCapSource) observedAt(tsMillis int64) time.Time {
	if tsMillis <= 0 {
		return c.now().UTC()
	}
	return time.UnixMilli(tsMillis).UTC()
}

func (c *CoinCapSource) get(ctx context.Context, path string, out interface{}) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	u.Path = path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrSourceUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("rate source returned %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding rate response: %w", err)
	}
	return nil
}
