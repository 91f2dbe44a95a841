package cdpcontrol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	errNotConnected = errors.New("cdp: not connected")
	errConnClosed   = errors.New("cdp: connection closed")
)

// listener receives protocol events for one method. It runs on the read
// goroutine, so it must not wait on another round trip.
type listener func(sessionID string, params jsontext.Value)

type reply struct {
	result jsontext.Value
	err    error
}

// frame is every shape the browser sends: command replies carry an id,
// events carry a method.
type frame struct {
	ID        int64          `json:"id,omitzero"`
	Method    string         `json:"method,omitzero"`
	SessionID string         `json:"sessionId,omitzero"`
	Params    jsontext.Value `json:"params,omitzero"`
	Result    jsontext.Value `json:"result,omitzero"`
	Error     *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitzero"`
}

// cdpConn multiplexes flattened target sessions over the single browser
// WebSocket. Pages are driven without chromedp's per-target bootstrap.
type cdpConn struct {
	base string

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu        sync.Mutex
	ws        net.Conn
	broken    bool
	waiters   map[int64]chan reply
	listeners map[string]map[int64]listener
}

func newCDPConn(httpBase string) *cdpConn {
	return &cdpConn{
		base:      strings.TrimRight(httpBase, "/"),
		waiters:   map[int64]chan reply{},
		listeners: map[string]map[int64]listener{},
	}
}

func (c *cdpConn) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		return nil
	}

	endpoint, err := c.debuggerURL(ctx)
	if err != nil {
		return fmt.Errorf("cdp: discover endpoint: %w", err)
	}
	slog.Debug("cdp dialing", "endpoint", endpoint)
	conn, _, _, err := ws.Dial(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("cdp: dial %s: %w", endpoint, err)
	}
	c.ws = conn
	c.broken = false
	go c.readFrames(conn)
	return nil
}

func (c *cdpConn) close() {
	c.mu.Lock()
	conn := c.ws
	c.ws = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *cdpConn) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil && !c.broken
}

func (c *cdpConn) readFrames(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("cdp reader stopped", "error", err)
			c.fail()
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("cdp dropped unreadable frame", "error", err)
			continue
		}
		switch {
		case f.ID != 0:
			c.resolve(f)
		case f.Method != "":
			c.emit(f.Method, f.SessionID, f.Params)
		}
	}
}

func (c *cdpConn) resolve(f frame) {
	c.mu.Lock()
	ch, ok := c.waiters[f.ID]
	delete(c.waiters, f.ID)
	c.mu.Unlock()
	if !ok {
		return
	}
	r := reply{result: f.Result}
	if f.Error != nil {
		r.err = errors.New(f.Error.Message)
	}
	ch <- r
}

// fail wakes every caller still waiting once the socket is gone.
func (c *cdpConn) fail() {
	c.mu.Lock()
	c.broken = true
	waiters := c.waiters
	c.waiters = map[int64]chan reply{}
	c.mu.Unlock()
	for _, ch := range waiters {
		ch <- reply{err: errConnClosed}
	}
}

func (c *cdpConn) emit(method, sessionID string, params jsontext.Value) {
	c.mu.Lock()
	fns := make([]listener, 0, len(c.listeners[method]))
	for _, fn := range c.listeners[method] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(sessionID, params)
	}
}

// on subscribes fn to an event method and returns the unsubscribe func.
func (c *cdpConn) on(method string, fn listener) func() {
	id := c.nextID.Add(1)
	c.mu.Lock()
	if c.listeners[method] == nil {
		c.listeners[method] = map[int64]listener{}
	}
	c.listeners[method][id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners[method], id)
		c.mu.Unlock()
	}
}

// call sends method with params on sessionID ("" is the browser target) and
// decodes the result into out when out is non-nil.
func (c *cdpConn) call(ctx context.Context, sessionID, method string, params, out any) error {
	id := c.nextID.Add(1)
	ch := make(chan reply, 1)

	c.mu.Lock()
	conn := c.ws
	if conn == nil || c.broken {
		c.mu.Unlock()
		return errNotConnected
	}
	c.waiters[id] = ch
	c.mu.Unlock()

	msg := struct {
		ID        int64  `json:"id"`
		SessionID string `json:"sessionId,omitzero"`
		Method    string `json:"method"`
		Params    any    `json:"params,omitempty"`
	}{id, sessionID, method, params}
	data, err := json.Marshal(msg)
	if err == nil {
		c.writeMu.Lock()
		err = wsutil.WriteClientText(conn, data)
		c.writeMu.Unlock()
	}
	if err != nil {
		c.forget(id)
		return fmt.Errorf("cdp: send %s: %w", method, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("cdp: %s: %w", method, r.err)
		}
		if out == nil || len(r.result) == 0 {
			return nil
		}
		if err := json.Unmarshal(r.result, out); err != nil {
			return fmt.Errorf("cdp: decode %s: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *cdpConn) forget(id int64) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// debuggerURL asks the HTTP endpoint for the browser WebSocket address.
func (c *cdpConn) debuggerURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET /json/version: HTTP %d", resp.StatusCode)
	}
	var v struct {
		URL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.UnmarshalRead(resp.Body, &v); err != nil {
		return "", err
	}
	if v.URL == "" {
		return "", errors.New("browser reported no webSocketDebuggerUrl")
	}
	return v.URL, nil
}
