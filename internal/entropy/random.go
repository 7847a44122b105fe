// Package entropy provides unseeded randomness for classic rolls.
// Draws come from a random.org pool when an API key is configured and fall
// back to crypto/rand otherwise.
package entropy

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	randomOrgURL = "https://api.random.org/json-rpc/4/invoke"
	batchSize    = 100
	lowWater     = 10

	minFailBackoff = 30 * time.Second
	maxFailBackoff = 10 * time.Minute
)

// Client hands out floats from a random.org pool. A nil *Client is valid and
// draws from crypto/rand.
type Client struct {
	apiKey   string
	endpoint string
	client   *http.Client

	mu          sync.Mutex
	pool        []float64
	lastFailAt  time.Time
	failBackoff time.Duration
}

// NewClient creates a random.org client. Returns nil if apiKey is empty.
func NewClient(apiKey string) *Client {
	if apiKey == "" {
		return nil
	}
	return &Client{
		apiKey:   apiKey,
		endpoint: randomOrgURL,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Enabled returns true if the client has a valid API key.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

// Float returns a random float64 in [0, 1).
func (c *Client) Float() float64 {
	if !c.Enabled() {
		return CryptoFloat()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pool) < lowWater && time.Since(c.lastFailAt) >= c.failBackoff {
		ctx, cancel := context.WithTimeout(context.Background(), c.client.Timeout)
		if err := c.refill(ctx); err != nil {
			c.lastFailAt = time.Now()
			c.failBackoff = min(max(c.failBackoff*2, minFailBackoff), maxFailBackoff)
			slog.Warn("random.org refill failed, using crypto/rand", "error", err, "retry_in", c.failBackoff)
		} else {
			c.failBackoff = 0
		}
		cancel()
	}

	if len(c.pool) == 0 {
		return CryptoFloat()
	}

	val := c.pool[0]
	c.pool = c.pool[1:]
	return val
}

// Pooled reports how many draws are buffered.
func (c *Client) Pooled() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pool)
}

func (c *Client) refill(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "generateDecimalFractions",
		"params": map[string]any{
			"apiKey":        c.apiKey,
			"n":             batchSize,
			"decimalPlaces": 6,
		},
		"id": 1,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var result struct {
		Result struct {
			Random struct {
				Data []float64 `json:"data"`
			} `json:"random"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if result.Error != nil {
		return fmt.Errorf("api error: %s", result.Error.Message)
	}

	for _, v := range result.Result.Random.Data {
		if v >= 0 && v < 1 {
			c.pool = append(c.pool, v)
		}
	}
	slog.Debug("random.org pool refilled", "count", len(result.Result.Random.Data))
	return nil
}

// CryptoFloat returns a uniform float64 in [0, 1) from crypto/rand.
func CryptoFloat() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0.5
	}
	// 53 bits for a uniform float64.
	n := binary.LittleEndian.Uint64(buf[:]) >> 11
	return float64(n) / float64(1<<53)
}
