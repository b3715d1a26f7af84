// Package chain provides the blockchain query collaborator consumed by
// the confirmation poller: an HTTP client for Esplora-style REST
// endpoints (blockstream.info, mempool.space and self-hosted esplora
// expose the same API).
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tapcash/nearby/logger"
	"github.com/tapcash/nearby/types"
)

// DefaultCacheTTL bounds how long an address's UTXO set is served from
// memory. The confirmation poller invalidates explicitly before every
// read, so the TTL only matters for other callers.
const DefaultCacheTTL = 30 * time.Second

// esploraUTXO is the wire shape of one entry in the
// /address/{addr}/utxo response.
type esploraUTXO struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Status struct {
		Confirmed bool `json:"confirmed"`
	} `json:"status"`
}

type cacheEntry struct {
	utxos   []types.UTXO
	fetched time.Time
}

// EsploraClient queries unspent outputs over an Esplora REST API with a
// small invalidatable per-address cache. It satisfies
// confirm.UTXOSource.
type EsploraClient struct {
	baseURL string
	client  *http.Client
	log     logger.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
	ttl   time.Duration
}

// NewEsploraClient builds a client against the given base URL, e.g.
// https://blockstream.info/api or https://mempool.space/testnet/api.
func NewEsploraClient(baseURL string, log logger.Logger) *EsploraClient {
	if log == nil {
		log = logger.NoopLogger{}
	}

	return &EsploraClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
		log:     log,
		cache:   make(map[string]cacheEntry),
		ttl:     DefaultCacheTTL,
	}
}

// GetUnspentOutputs returns the address's UTXO set, mempool
// transactions included: a nearby payment should be detected as soon as
// it is broadcast, not a block later.
func (c *EsploraClient) GetUnspentOutputs(ctx context.Context,
	address string) ([]types.UTXO, error) {

	c.mu.Lock()
	if entry, ok := c.cache[address]; ok &&
		time.Since(entry.fetched) < c.ttl {

		utxos := entry.utxos
		c.mu.Unlock()
		return utxos, nil
	}
	c.mu.Unlock()

	url := fmt.Sprintf("%s/address/%s/utxo", c.baseURL, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("utxo query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("utxo query returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw []esploraUTXO
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding utxo response: %w", err)
	}

	utxos := make([]types.UTXO, 0, len(raw))
	confirmed := 0
	for _, u := range raw {
		if u.Status.Confirmed {
			confirmed++
		}
		utxos = append(utxos, types.UTXO{
			TxID:      u.TxID,
			Vout:      u.Vout,
			Value:     u.Value,
			Confirmed: u.Status.Confirmed,
		})
	}

	c.log.Debug("utxo query", map[string]any{
		"address":   address,
		"count":     len(utxos),
		"confirmed": confirmed,
	})

	c.mu.Lock()
	c.cache[address] = cacheEntry{utxos: utxos, fetched: time.Now()}
	c.mu.Unlock()

	return utxos, nil
}

// InvalidateCache drops any cached UTXO set for the address so the next
// read hits the network.
func (c *EsploraClient) InvalidateCache(address string) {
	c.mu.Lock()
	delete(c.cache, address)
	c.mu.Unlock()
}
