package lanes

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"supply-service/internal/logger"
	"supply-service/internal/types"
)

const reconnectDelay = 2 * time.Second

// JSON-RPC 2.0 structures

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      int64          `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      int64           `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client is a JSON-RPC 2.0 client over a websocket to the print-management
// host. It implements the lane registry, delegation and pause surface the
// coordinator depends on.
type Client struct {
	url     string
	log     *logger.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	connMu  sync.RWMutex
	conn    *websocket.Conn

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan *rpcResponse
}

func NewClient(url string, timeout time.Duration, log *logger.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:     url,
		log:     log,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[int64]chan *rpcResponse),
	}
}

// Connect dials the host and starts the connection maintainer. The initial
// dial must succeed; later disconnects reconnect in the background.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial lane host %s: %w", c.url, err)
	}
	c.log.Infof("Connected to lane host at %s", c.url)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	go c.maintain(conn)
	return nil
}

// maintain reads responses until the connection drops, then redials.
func (c *Client) maintain(conn *websocket.Conn) {
	for {
		c.readLoop(conn)

		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		c.failPending("connection lost")

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}

			next, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.url, nil)
			if err != nil {
				c.log.Warnf("Lane host reconnect failed: %v", err)
				continue
			}
			c.log.Infof("Reconnected to lane host")

			c.connMu.Lock()
			c.conn = next
			c.connMu.Unlock()
			conn = next
			break
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
			default:
				c.log.Warnf("Lane host read error: %v", err)
			}
			conn.Close()
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			c.log.Warnf("Malformed lane host response: %v", err)
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()

		if ok {
			ch <- &resp
		}
	}
}

func (c *Client) failPending(reason string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- &rpcResponse{ID: id, Error: &rpcError{Code: -1, Message: reason}}
		delete(c.pending, id)
	}
}

// call performs one request/response round trip. out may be nil when the
// result is not needed.
func (c *Client) call(method string, params map[string]any, out any) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("lane host not connected")
	}

	id := c.nextID.Add(1)
	ch := make(chan *rpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-time.After(c.timeout):
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return fmt.Errorf("%s: timeout after %s", method, c.timeout)
	case <-c.ctx.Done():
		return fmt.Errorf("%s: client closed", method)
	}
}

func (c *Client) NotifyRunoutDetected(sensor string, spool types.SpoolRef, laneHint string) error {
	return c.call("lanes.runout_detected", map[string]any{
		"sensor": sensor,
		"unit":   spool.Feeder,
		"bay":    spool.Bay,
		"lane":   laneHint,
	}, nil)
}

func (c *Client) NotifyLaneToolState(unit, lane string, loaded bool, bay int, ts time.Time) (bool, error) {
	var result struct {
		Handled bool `json:"handled"`
	}
	err := c.call("lanes.tool_state", map[string]any{
		"unit":   unit,
		"lane":   lane,
		"loaded": loaded,
		"bay":    bay,
		"ts":     ts.Unix(),
	}, &result)
	if err != nil {
		return false, err
	}
	return result.Handled, nil
}

func (c *Client) ResolveLaneForSpool(unit string, bay int) (string, error) {
	var result struct {
		Lane string `json:"lane"`
	}
	err := c.call("lanes.resolve", map[string]any{
		"unit": unit,
		"bay":  bay,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Lane, nil
}

func (c *Client) RunoutTarget(lane string) (types.SpoolRef, bool, error) {
	var result struct {
		Unit    string `json:"unit"`
		Bay     int    `json:"bay"`
		Defined bool   `json:"defined"`
	}
	err := c.call("lanes.runout_target", map[string]any{"lane": lane}, &result)
	if err != nil {
		return types.SpoolRef{}, false, err
	}
	return types.SpoolRef{Feeder: result.Unit, Bay: result.Bay}, result.Defined, nil
}

func (c *Client) UnitExtruder(unit string) (string, error) {
	var result struct {
		Extruder string `json:"extruder"`
	}
	err := c.call("lanes.unit_extruder", map[string]any{"unit": unit}, &result)
	if err != nil {
		return "", err
	}
	return result.Extruder, nil
}

func (c *Client) RequestLaneSwitch(lane string, target types.SpoolRef) error {
	return c.call("lanes.switch", map[string]any{
		"lane": lane,
		"unit": target.Feeder,
		"bay":  target.Bay,
	}, nil)
}

func (c *Client) RequestPause(reason string) error {
	return c.call("print.pause", map[string]any{"reason": reason}, nil)
}

func (c *Client) IsPrinting() (bool, error) {
	var result struct {
		Printing bool `json:"printing"`
	}
	if err := c.call("print.status", nil, &result); err != nil {
		return false, err
	}
	return result.Printing, nil
}

func (c *Client) AxesHomed() (bool, error) {
	var result struct {
		Homed bool `json:"homed"`
	}
	if err := c.call("print.status", nil, &result); err != nil {
		return false, err
	}
	return result.Homed, nil
}

func (c *Client) Close() error {
	c.cancel()
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
