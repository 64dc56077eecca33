package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mekforge/goldledger/pkg/utils"
)

// HTTPClient talks to the indexing service over HTTP with a token-bucket
// rate limit and a per-endpoint circuit-breaker. Oracle outages are normal
// operation, not incidents, so every transport-level failure maps to
// ErrUnavailable and the caller decides how to defer.
type HTTPClient struct {
	endpoints []string
	client    *http.Client

	// token-bucket
	tokens      int64
	maxTokens   int64
	refillEvery time.Duration
	lastRefill  atomic.Value // time.Time

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
}

// Opts is the set of options for a new HTTPClient.
type Opts struct {
	Endpoints       []string
	Timeout         time.Duration
	RPS             int
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

// NewHTTPWithOpts creates a new HTTPClient with the given options.
func NewHTTPWithOpts(o Opts) *HTTPClient {
	if o.RPS <= 0 {
		o.RPS = 10
	}
	if o.Burst <= 0 {
		o.Burst = 20
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	c := &HTTPClient{
		endpoints:        utils.Dedup(o.Endpoints),
		client:           client,
		maxTokens:        int64(o.Burst),
		refillEvery:      time.Second / time.Duration(o.RPS),
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
	}
	c.tokens = c.maxTokens
	c.lastRefill.Store(time.Now())
	return c
}

// NewHTTPFromEnv builds a client from ORACLE_ENDPOINTS (comma separated).
func NewHTTPFromEnv() *HTTPClient {
	eps := strings.Split(utils.Env("ORACLE_ENDPOINTS", "http://localhost:3900"), ",")
	return NewHTTPWithOpts(Opts{
		Endpoints: eps,
		Timeout:   utils.EnvDuration("ORACLE_TIMEOUT", 10*time.Second),
		RPS:       utils.EnvInt("ORACLE_RPS", 10),
		Burst:     utils.EnvInt("ORACLE_BURST", 20),
	})
}

func (c *HTTPClient) refill() {
	last := c.lastRefill.Load().(time.Time)
	now := time.Now()
	if now.Sub(last) >= c.refillEvery {
		if atomic.LoadInt64(&c.tokens) < c.maxTokens {
			atomic.AddInt64(&c.tokens, 1)
		}
		c.lastRefill.Store(now)
	}
}

func (c *HTTPClient) acquire() {
	for {
		c.refill()
		if atomic.LoadInt64(&c.tokens) > 0 {
			atomic.AddInt64(&c.tokens, -1)
			return
		}
		time.Sleep(c.refillEvery / 2)
	}
}

// isOpen returns true if the endpoint's breaker is in the OPEN state.
func (c *HTTPClient) isOpen(ep string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.opened[ep]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.opened, ep)
		c.failures[ep] = 0
		return false
	}
	return true
}

func (c *HTTPClient) noteFailure(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep]++
	if c.failures[ep] >= c.breakerThreshold {
		c.opened[ep] = time.Now().Add(c.breakerCooldown)
	}
}

// errNotFound distinguishes a definitive 404 from transport failure inside
// getJSON; it is translated to ErrAssetNotFound by the caller.
var errNotFound = fmt.Errorf("oracle: not found")

// getJSON fetches path from the first healthy endpoint and decodes the
// body into out. Rotates across endpoints on server-side failure.
func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	if len(c.endpoints) == 0 {
		return fmt.Errorf("%w: no endpoints configured", ErrUnavailable)
	}

	var lastErr error
	for i := 0; i < len(c.endpoints); i++ {
		ep := c.endpoints[i%len(c.endpoints)]
		if c.isOpen(ep) {
			continue
		}

		c.acquire()

		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, ep+path, nil)
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			c.noteFailure(ep)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			_ = utils.DrainAndClose(resp.Body)
			return errNotFound
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server %d", resp.StatusCode)
			c.noteFailure(ep)
			_ = utils.DrainAndClose(resp.Body)
			continue
		case resp.StatusCode >= 300:
			lastErr = fmt.Errorf("http %d", resp.StatusCode)
			_ = utils.DrainAndClose(resp.Body)
			continue
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			_ = utils.DrainAndClose(resp.Body)
			lastErr = err
			continue
		}
		return utils.DrainAndClose(resp.Body)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("all endpoints open")
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

type ownerResponse struct {
	AccountKey string `json:"account_key"`
}

// Owner implements Oracle.
func (c *HTTPClient) Owner(ctx context.Context, assetID string) (string, error) {
	var out ownerResponse
	err := c.getJSON(ctx, "/v1/assets/"+assetID+"/owner", &out)
	if err == errNotFound {
		return "", ErrAssetNotFound
	}
	if err != nil {
		return "", err
	}
	if out.AccountKey == "" {
		return "", ErrAssetNotFound
	}
	return out.AccountKey, nil
}

type holdingsResponse struct {
	Holdings []Holding `json:"holdings"`
}

// Holdings implements Oracle.
func (c *HTTPClient) Holdings(ctx context.Context, accountKey string) ([]Holding, error) {
	var out holdingsResponse
	err := c.getJSON(ctx, "/v1/accounts/"+accountKey+"/assets", &out)
	if err == errNotFound {
		// An account with no recorded assets is a valid, empty answer.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out.Holdings, nil
}
