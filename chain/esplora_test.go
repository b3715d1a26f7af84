package chain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

const utxoBody = `[
  {"txid":"aa11","vout":0,"value":30000,"status":{"confirmed":true}},
  {"txid":"bb22","vout":1,"value":20000,"status":{"confirmed":false}}
]`

func newTestServer(t *testing.T, hits *atomic.Int64,
	body string, code int) *httptest.Server {

	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			require.Equal(t, "/address/addr1/utxo", r.URL.Path)
			w.WriteHeader(code)
			_, _ = w.Write([]byte(body))
		}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetUnspentOutputsParsesResponse(t *testing.T) {
	var hits atomic.Int64
	srv := newTestServer(t, &hits, utxoBody, http.StatusOK)

	c := NewEsploraClient(srv.URL, nil)
	utxos, err := c.GetUnspentOutputs(context.Background(), "addr1")
	require.NoError(t, err)

	require.Len(t, utxos, 2)
	require.Equal(t, "aa11", utxos[0].TxID)
	require.Equal(t, uint32(0), utxos[0].Vout)
	require.Equal(t, int64(30_000), utxos[0].Value)
	require.True(t, utxos[0].Confirmed)

	// Unconfirmed outputs are reported too: detection happens at
	// broadcast, and the flag tells callers which is which.
	require.Equal(t, "bb22", utxos[1].TxID)
	require.Equal(t, int64(20_000), utxos[1].Value)
	require.False(t, utxos[1].Confirmed)
}

func TestGetUnspentOutputsServesFromCache(t *testing.T) {
	var hits atomic.Int64
	srv := newTestServer(t, &hits, utxoBody, http.StatusOK)

	c := NewEsploraClient(srv.URL, nil)

	_, err := c.GetUnspentOutputs(context.Background(), "addr1")
	require.NoError(t, err)
	_, err = c.GetUnspentOutputs(context.Background(), "addr1")
	require.NoError(t, err)

	require.Equal(t, int64(1), hits.Load())
}

func TestInvalidateCacheForcesRefetch(t *testing.T) {
	var hits atomic.Int64
	srv := newTestServer(t, &hits, utxoBody, http.StatusOK)

	c := NewEsploraClient(srv.URL, nil)

	_, err := c.GetUnspentOutputs(context.Background(), "addr1")
	require.NoError(t, err)

	c.InvalidateCache("addr1")

	_, err = c.GetUnspentOutputs(context.Background(), "addr1")
	require.NoError(t, err)
	require.Equal(t, int64(2), hits.Load())
}

func TestGetUnspentOutputsHTTPError(t *testing.T) {
	var hits atomic.Int64
	srv := newTestServer(t, &hits, "too many requests",
		http.StatusTooManyRequests)

	c := NewEsploraClient(srv.URL, nil)
	_, err := c.GetUnspentOutputs(context.Background(), "addr1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "429")
}

func TestGetUnspentOutputsMalformedBody(t *testing.T) {
	var hits atomic.Int64
	srv := newTestServer(t, &hits, "<html>not json</html>", http.StatusOK)

	c := NewEsploraClient(srv.URL, nil)
	_, err := c.GetUnspentOutputs(context.Background(), "addr1")
	require.Error(t, err)
}

func TestGetUnspentOutputsEmptyAddress(t *testing.T) {
	var hits atomic.Int64
	srv := newTestServer(t, &hits, "[]", http.StatusOK)

	c := NewEsploraClient(srv.URL, nil)
	utxos, err := c.GetUnspentOutputs(context.Background(), "addr1")
	require.NoError(t, err)
	require.Empty(t, utxos)
}
