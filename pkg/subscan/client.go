package subscan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	timeutils "github.com/eqtlab/substrate-reconciler/pkg/time"
)

var ErrAPI = errors.New("subscan api error")

const (
	maxRetries = 3
	pageSize   = 100
)

// nolint:lll
type Config struct {
	URL               string        `env:"URL, default=https://{domain}.api.subscan.io"` // {domain} is replaced by the chain domain
	APIKeys           []string      `env:"API_KEYS"`                                     // Requests are spread over the keys round robin
	RequestsPerSecond float64       `env:"REQUESTS_PER_SECOND, default=2"`               // Rate limit of a single key
	RetryDelay        time.Duration `env:"RETRY_DELAY, default=2s"`                      // Pause before retrying a throttled or failed request
	Timeout           time.Duration `env:"TIMEOUT, default=30s"`
}

type apiKey struct {
	value   string
	limiter *rate.Limiter
}

type Client struct {
	url        string
	http       *http.Client
	keys       []apiKey
	next       atomic.Uint64
	retryDelay time.Duration
	group      singleflight.Group
	logger     *zap.Logger
}

func New(cfg Config, l *zap.Logger) *Client {
	values := cfg.APIKeys
	if len(values) == 0 {
		values = []string{""}
	}

	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}

	keys := make([]apiKey, 0, len(values))
	for _, v := range values {
		keys = append(keys, apiKey{value: strings.TrimSpace(v), limiter: rate.NewLimiter(limit, 1)})
	}

	return &Client{
		url:        cfg.URL,
		http:       &http.Client{Timeout: cfg.Timeout},
		keys:       keys,
		retryDelay: cfg.RetryDelay,
		logger:     l,
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// post calls the endpoint and decodes the envelope data into out. It reports false if the
// endpoint does not exist on the chain or returned no data.
// Identical requests in flight share one call, which outlives any single caller giving up.
func (c *Client) post(ctx context.Context, domain, path string, body interface{}, out interface{}) (bool, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.ReplaceAll(c.url, "{domain}", domain) + path
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(url+" "+string(payload), func() (interface{}, error) {
		return c.do(shared, url, payload)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return false, res.Err
	}

	data := res.Val.(json.RawMessage)
	if len(data) == 0 || string(data) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func (c *Client) do(ctx context.Context, url string, payload []byte) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("subscan: retrying request", zap.String("url", url), zap.Int("attempt", attempt), zap.Error(lastErr))
			if err := timeutils.Sleep(ctx, c.retryDelay); err != nil {
				return nil, err
			}
		}

		key := c.keys[c.next.Add(1)%uint64(len(c.keys))]
		if err := key.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if key.value != "" {
			req.Header.Set("X-API-Key", key.value)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
			lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
			continue
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
		}

		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if env.Code != 0 {
			return nil, fmt.Errorf("%w: %d %s", ErrAPI, env.Code, env.Message)
		}
		return env.Data, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
