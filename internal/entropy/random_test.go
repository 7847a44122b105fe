package entropy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilClientFallsBackToCrypto(t *testing.T) {
	var c *Client
	assert.False(t, c.Enabled())
	for i := 0; i < 100; i++ {
		v := c.Float()
		assert.GreaterOrEqual(t, v, 0.0)
		assert.Less(t, v, 1.0)
	}
	assert.Nil(t, NewClient(""))
}

func TestClientDrawsFromPool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "generateDecimalFractions", req["method"])

		data := make([]float64, batchSize)
		for i := range data {
			data[i] = 0.25
		}
		data[0] = 0.125
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"random": map[string]any{"data": data}},
		})
	}))
	defer srv.Close()

	c := NewClient("key")
	c.endpoint = srv.URL

	assert.Equal(t, 0.125, c.Float())
	assert.Equal(t, 0.25, c.Float())
	assert.Equal(t, batchSize-2, c.Pooled())
}

func TestClientAPIErrorFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
	}))
	defer srv.Close()

	c := NewClient("key")
	c.endpoint = srv.URL

	v := c.Float()
	assert.GreaterOrEqual(t, v, 0.0)
	assert.Less(t, v, 1.0)
	assert.Equal(t, 0, c.Pooled())
}

func TestClientBacksOffAfterFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient("key")
	c.endpoint = srv.URL

	for i := 0; i < 5; i++ {
		c.Float()
	}
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, minFailBackoff, c.failBackoff)
}
