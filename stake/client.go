package stake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"
)

const changesPageSize = 1000

// stakeChangesQuery pages through a staking contract's balance snapshots
// over a block window.
const stakeChangesQuery = `query ($block_gte: BigInt!, $block_lte: BigInt!, $first: Int!, $skip: Int!) {
	balanceChanges(first: $first, skip: $skip, orderBy: blockNumber, orderDirection: asc,
		where: { blockNumber_gte: $block_gte, blockNumber_lte: $block_lte }) {
		account
		balance
		timestamp
	}
}`

// SubgraphSource fetches stake balance changes from a staking contract's
// subgraph. It implements ChangeSource.
type SubgraphSource struct {
	url        string
	httpClient *http.Client
}

func NewSubgraphSource(url string, timeout time.Duration) *SubgraphSource {
	return &SubgraphSource{url: url, httpClient: &http.Client{Timeout: timeout}}
}

type changeEntry struct {
	Account   string `json:"account"`
	Balance   string `json:"balance"`
	Timestamp string `json:"timestamp"`
}

type changesResponse struct {
	Data struct {
		BalanceChanges []changeEntry `json:"balanceChanges"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// BalanceChanges fetches all snapshots in [fromBlock, toBlock], grouped by
// address.
func (s *SubgraphSource) BalanceChanges(ctx context.Context, fromBlock, toBlock uint64) (map[common.Address][]BalanceChange, error) {
	series := make(map[common.Address][]BalanceChange)
	for skip := 0; ; skip += changesPageSize {
		entries, err := s.fetchPage(ctx, fromBlock, toBlock, skip)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			balance, err := decimal.NewFromString(entry.Balance)
			if err != nil {
				return nil, fmt.Errorf("bad stake balance %q: %w", entry.Balance, err)
			}
			timestamp, err := strconv.ParseUint(entry.Timestamp, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad stake timestamp %q: %w", entry.Timestamp, err)
			}
			addr := common.HexToAddress(entry.Account)
			series[addr] = append(series[addr], BalanceChange{Timestamp: timestamp, Balance: balance})
		}
		if len(entries) < changesPageSize {
			return series, nil
		}
	}
}

func (s *SubgraphSource) fetchPage(ctx context.Context, fromBlock, toBlock uint64, skip int) ([]changeEntry, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"query": stakeChangesQuery,
		"variables": map[string]interface{}{
			"block_gte": fmt.Sprintf("%d", fromBlock),
			"block_lte": fmt.Sprintf("%d", toBlock),
			"first":     changesPageSize,
			"skip":      skip,
		},
	})
	if err != nil {
		return nil, err
	}

	var entries []changeEntry
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("stake subgraph returned status %d: %s", resp.StatusCode, body)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return err
			}
			return backoff.Permanent(err)
		}
		response := &changesResponse{}
		if err := json.Unmarshal(body, response); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to unmarshal stake changes: %w", err))
		}
		if len(response.Errors) > 0 {
			return backoff.Permanent(fmt.Errorf("stake subgraph error: %s", response.Errors[0].Message))
		}
		entries = response.Data.BalanceChanges
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.RetryNotify(operation, policy, func(err error, next time.Duration) {
		log.Warn("stake subgraph request failed, retrying", "err", err, "next", next)
	}); err != nil {
		return nil, err
	}
	return entries, nil
}
