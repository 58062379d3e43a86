package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"
)

// Client fetches historical daily PSP and native-token rates from the price
// oracle. Responses are plain JSON over HTTPS.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type dailyRateEntry struct {
	Timestamp       uint64 `json:"timestamp"`
	PSPPriceUSD     string `json:"pspPriceUsd"`
	ChainPriceUSD   string `json:"chainPriceUsd"`
	PSPToNativeRate string `json:"pspToNativeRate"`
}

// DailyRates returns the oracle's daily rate samples for chainID over
// [from, to]. Transient failures are retried with capped exponential
// backoff; the context bounds the whole operation.
func (c *Client) DailyRates(ctx context.Context, chainID uint64, from, to uint64) ([]PricePoint, error) {
	query := url.Values{}
	query.Set("chainId", fmt.Sprintf("%d", chainID))
	query.Set("from", fmt.Sprintf("%d", from))
	query.Set("to", fmt.Sprintf("%d", to))
	endpoint := fmt.Sprintf("%s/daily-rates?%s", c.baseURL, query.Encode())

	var entries []dailyRateEntry
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("price oracle returned status %d: %s", resp.StatusCode, body)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		entries = entries[:0]
		if err := json.Unmarshal(body, &entries); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to unmarshal daily rates: %w", err))
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.RetryNotify(operation, policy, func(err error, next time.Duration) {
		log.Warn("price oracle request failed, retrying", "err", err, "next", next)
	}); err != nil {
		return nil, err
	}

	points := make([]PricePoint, 0, len(entries))
	for _, entry := range entries {
		point, err := entry.toPricePoint()
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	return points, nil
}

func (e dailyRateEntry) toPricePoint() (PricePoint, error) {
	pspUSD, err := decimal.NewFromString(e.PSPPriceUSD)
	if err != nil {
		return PricePoint{}, fmt.Errorf("bad pspPriceUsd %q: %w", e.PSPPriceUSD, err)
	}
	chainUSD, err := decimal.NewFromString(e.ChainPriceUSD)
	if err != nil {
		return PricePoint{}, fmt.Errorf("bad chainPriceUsd %q: %w", e.ChainPriceUSD, err)
	}
	rate, err := decimal.NewFromString(e.PSPToNativeRate)
	if err != nil {
		return PricePoint{}, fmt.Errorf("bad pspToNativeRate %q: %w", e.PSPToNativeRate, err)
	}
	return PricePoint{Timestamp: e.Timestamp, PSPPriceUSD: pspUSD, ChainPriceUSD: chainUSD, PSPToNativeRate: rate}, nil
}
