package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"

	"github.com/paraswap/gasrefund/types"
)

const swapsPageSize = 1000

// swapsQuery pages through successful aggregator swaps in a time window,
// skipping swaps mined on excluded (reorged) blocks.
const swapsQuery = `query ($timestamp_gte: BigInt!, $timestamp_lt: BigInt!, $excluded: [Bytes!]!, $first: Int!, $skip: Int!) {
	swaps(first: $first, skip: $skip, orderBy: timestamp, orderDirection: asc,
		where: { timestamp_gte: $timestamp_gte, timestamp_lt: $timestamp_lt, blockHash_not_in: $excluded }) {
		txHash
		blockHash
		txOrigin
		initiator
		txGasPrice
		blockNumber
		timestamp
	}
}`

// SwapsClient fetches raw swaps from one chain's swaps subgraph.
type SwapsClient struct {
	chainID        uint64
	url            string
	excludedBlocks []common.Hash
	httpClient     *http.Client
}

func NewSwapsClient(chainID uint64, url string, excludedBlocks []common.Hash, timeout time.Duration) *SwapsClient {
	return &SwapsClient{
		chainID:        chainID,
		url:            url,
		excludedBlocks: excludedBlocks,
		httpClient:     &http.Client{Timeout: timeout},
	}
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type swapEntry struct {
	TxHash      string `json:"txHash"`
	BlockHash   string `json:"blockHash"`
	TxOrigin    string `json:"txOrigin"`
	Initiator   string `json:"initiator"`
	TxGasPrice  string `json:"txGasPrice"`
	BlockNumber string `json:"blockNumber"`
	Timestamp   string `json:"timestamp"`
}

type swapsResponse struct {
	Data struct {
		Swaps []swapEntry `json:"swaps"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Swaps returns every swap in [fromTime, toTime), paginated through the
// subgraph in timestamp order.
func (c *SwapsClient) Swaps(ctx context.Context, fromTime, toTime uint64) ([]types.Swap, error) {
	excluded := make([]string, len(c.excludedBlocks))
	for i, h := range c.excludedBlocks {
		excluded[i] = h.Hex()
	}

	var swaps []types.Swap
	for skip := 0; ; skip += swapsPageSize {
		entries, err := c.fetchPage(ctx, fromTime, toTime, excluded, skip)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			swap, err := entry.toSwap(c.chainID)
			if err != nil {
				return nil, err
			}
			swaps = append(swaps, swap)
		}
		if len(entries) < swapsPageSize {
			break
		}
	}
	log.Debug("fetched swaps", "chain", c.chainID, "from", fromTime, "to", toTime, "swaps", len(swaps))
	return swaps, nil
}

func (c *SwapsClient) fetchPage(ctx context.Context, fromTime, toTime uint64, excluded []string, skip int) ([]swapEntry, error) {
	payload, err := json.Marshal(graphQLRequest{
		Query: swapsQuery,
		Variables: map[string]interface{}{
			"timestamp_gte": fmt.Sprintf("%d", fromTime),
			"timestamp_lt":  fmt.Sprintf("%d", toTime),
			"excluded":      excluded,
			"first":         swapsPageSize,
			"skip":          skip,
		},
	})
	if err != nil {
		return nil, err
	}

	var entries []swapEntry
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
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
			err := fmt.Errorf("subgraph returned status %d: %s", resp.StatusCode, body)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return err
			}
			return backoff.Permanent(err)
		}
		response := &swapsResponse{}
		if err := json.Unmarshal(body, response); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to unmarshal swaps response: %w", err))
		}
		if len(response.Errors) > 0 {
			return backoff.Permanent(fmt.Errorf("subgraph error: %s", response.Errors[0].Message))
		}
		entries = response.Data.Swaps
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.RetryNotify(operation, policy, func(err error, next time.Duration) {
		log.Warn("subgraph request failed, retrying", "chain", c.chainID, "err", err, "next", next)
	}); err != nil {
		return nil, err
	}
	return entries, nil
}

func (e swapEntry) toSwap(chainID uint64) (types.Swap, error) {
	gasPrice, err := decimal.NewFromString(e.TxGasPrice)
	if err != nil {
		return types.Swap{}, fmt.Errorf("bad txGasPrice %q: %w", e.TxGasPrice, err)
	}
	blockNumber, err := parseUint(e.BlockNumber)
	if err != nil {
		return types.Swap{}, fmt.Errorf("bad blockNumber %q: %w", e.BlockNumber, err)
	}
	timestamp, err := parseUint(e.Timestamp)
	if err != nil {
		return types.Swap{}, fmt.Errorf("bad timestamp %q: %w", e.Timestamp, err)
	}
	return types.Swap{
		TxHash:      common.HexToHash(e.TxHash),
		BlockHash:   common.HexToHash(e.BlockHash),
		TxOrigin:    common.HexToAddress(e.TxOrigin),
		Initiator:   common.HexToAddress(e.Initiator),
		TxGasPrice:  gasPrice,
		BlockNumber: blockNumber,
		Timestamp:   timestamp,
		ChainID:     chainID,
	}, nil
}
