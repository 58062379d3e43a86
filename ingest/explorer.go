package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
)

// ExplorerClient talks to a chain's block explorer API. The subgraph's
// gasUsed is unreliable, so the refund always uses the receipt value the
// explorer reports.
type ExplorerClient struct {
	chainID    uint64
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewExplorerClient(chainID uint64, baseURL, apiKey string, timeout time.Duration) *ExplorerClient {
	return &ExplorerClient{
		chainID:    chainID,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type receiptResponse struct {
	Result struct {
		GasUsed string `json:"gasUsed"`
	} `json:"result"`
}

// TransactionGasUsed returns the gas consumed by txHash per its receipt.
func (c *ExplorerClient) TransactionGasUsed(ctx context.Context, txHash common.Hash) (uint64, error) {
	defer MetricsExplorerRequestCost(time.Now())

	query := url.Values{}
	query.Set("module", "proxy")
	query.Set("action", "eth_getTransactionReceipt")
	query.Set("txhash", txHash.Hex())
	if c.apiKey != "" {
		query.Set("apikey", c.apiKey)
	}
	endpoint := fmt.Sprintf("%s/api?%s", c.baseURL, query.Encode())

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return 0, err
	}
	response := &receiptResponse{}
	if err := json.Unmarshal(body, response); err != nil {
		return 0, fmt.Errorf("failed to unmarshal receipt for %s: %w", txHash, err)
	}
	if response.Result.GasUsed == "" {
		return 0, fmt.Errorf("explorer returned no gasUsed for %s on chain %d", txHash, c.chainID)
	}
	gasUsed, err := hexutil.DecodeUint64(response.Result.GasUsed)
	if err != nil {
		return 0, fmt.Errorf("bad gasUsed %q for %s: %w", response.Result.GasUsed, txHash, err)
	}
	return gasUsed, nil
}

type blockNoResponse struct {
	Status string `json:"status"`
	Result string `json:"result"`
}

// BlockAfterTimestamp returns the number of the first block mined at or
// after the given timestamp.
func (c *ExplorerClient) BlockAfterTimestamp(ctx context.Context, timestamp uint64) (uint64, error) {
	query := url.Values{}
	query.Set("module", "block")
	query.Set("action", "getblocknobytime")
	query.Set("timestamp", strconv.FormatUint(timestamp, 10))
	query.Set("closest", "after")
	if c.apiKey != "" {
		query.Set("apikey", c.apiKey)
	}
	endpoint := fmt.Sprintf("%s/api?%s", c.baseURL, query.Encode())

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return 0, err
	}
	response := &blockNoResponse{}
	if err := json.Unmarshal(body, response); err != nil {
		return 0, fmt.Errorf("failed to unmarshal block number response: %w", err)
	}
	blockNumber, err := strconv.ParseUint(response.Result, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad block number %q: %w", response.Result, err)
	}
	return blockNumber, nil
}

func (c *ExplorerClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	var body []byte
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
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("explorer returned status %d: %s", resp.StatusCode, body)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.RetryNotify(operation, policy, func(err error, next time.Duration) {
		log.Warn("explorer request failed, retrying", "chain", c.chainID, "err", err, "next", next)
	}); err != nil {
		return nil, err
	}
	return body, nil
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
