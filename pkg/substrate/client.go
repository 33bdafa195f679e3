package substrate

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrTimeout       = errors.New("substrate: request timed out")
	ErrBlockNotFound = errors.New("substrate: block not found")
)

const DefaultTimeout = 30 * time.Second

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client is a JSON-RPC client for a substrate node over websocket.
// Calls are serialized, a connection has at most one request in flight.
type Client struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
	nextID  uint64
}

func Dial(ctx context.Context, endpoint string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: dial %s", ErrTimeout, endpoint)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	return &Client{conn: conn, timeout: timeout}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// Call sends one request and decodes the result into out. The context deadline, or the
// client timeout when it comes first, bounds the whole round trip.
func (c *Client) Call(ctx context.Context, method string, out interface{}, params ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	_ = c.conn.SetReadDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	c.nextID++
	id := c.nextID
	if params == nil {
		params = []interface{}{}
	}

	if err := c.conn.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return c.wrap(ctx, method, err)
	}

	for {
		var resp rpcResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			return c.wrap(ctx, method, err)
		}
		// subscription notifications carry no id
		if resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) wrap(ctx context.Context, method string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %s", ErrTimeout, method)
	}
	return fmt.Errorf("%s: %w", method, err)
}

// BlockHash returns the hex hash of the canonical block with the given number.
func (c *Client) BlockHash(ctx context.Context, number uint64) (string, error) {
	var hash *string
	if err := c.Call(ctx, "chain_getBlockHash", &hash, number); err != nil {
		return "", err
	}
	if hash == nil {
		return "", fmt.Errorf("%w: %d", ErrBlockNotFound, number)
	}
	return *hash, nil
}

// Storage reads the raw value under key at the given block hash. Absent keys give nil.
func (c *Client) Storage(ctx context.Context, key []byte, at string) ([]byte, error) {
	var raw *string
	if err := c.Call(ctx, "state_getStorage", &raw, "0x"+hex.EncodeToString(key), at); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	data, err := hex.DecodeString(strings.TrimPrefix(*raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode storage value: %w", err)
	}
	return data, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
