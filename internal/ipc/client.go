package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
)

// Listen binds the unix socket at path, replacing a stale socket file, and
// restricts it to the current user.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// Client sends commands to a daemon over its unix socket. Each call uses
// its own connection.
type Client struct {
	socket string
	hc     *http.Client
}

// NewClient returns a client for the daemon listening on socket.
func NewClient(socket string) *Client {
	dialer := &net.Dialer{}
	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socket)
		},
		DisableKeepAlives: true,
	}
	return &Client{socket: socket, hc: &http.Client{Transport: tr}}
}

// Socket is the path the client dials.
func (c *Client) Socket() string { return c.socket }

// Call posts in to /v1/<command> and decodes the response into out. A nil
// in sends an empty object; a nil out discards the body.
func (c *Client) Call(ctx context.Context, command string, in, out any) error {
	if in == nil {
		in = Empty{}
	}
	body, err := json.Marshal(in)
	if err != nil {
		return browser.NewError(browser.CodeProtocol, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://webprobe/v1/"+command, bytes.NewReader(body))
	if err != nil {
		return browser.NewError(browser.CodeProtocol, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return c.transportErr(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.transportErr(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return browser.NewError(browser.CodeProtocol, "decode "+command+" response", err)
	}
	return nil
}

func (c *Client) transportErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return browser.SessionError("daemon request timed out", ctxErr)
		}
		return browser.SessionError("daemon request canceled", ctxErr)
	}
	if isUnreachable(err) {
		return browser.NewError(browser.CodeDaemonUnreachable, "daemon not reachable at "+c.socket, err)
	}
	return browser.NewError(browser.CodeProtocol, "daemon connection failed", err)
}

func isUnreachable(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT) || errors.Is(err, os.ErrNotExist)
}

// errorPayload accepts both our ErrorBody and huma's own problem details,
// which it produces for requests that fail schema validation.
type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Title   string `json:"title"`
	Detail  string `json:"detail"`
	Errors  []struct {
		Message  string `json:"message"`
		Location string `json:"location"`
	} `json:"errors"`
}

func decodeError(status int, data []byte) error {
	var p errorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return browser.NewError(browser.CodeProtocol, fmt.Sprintf("daemon returned status %d", status), err)
	}

	if p.Kind == "" {
		msg := p.Detail
		if msg == "" {
			msg = p.Title
		}
		for _, e := range p.Errors {
			msg += "; " + e.Location + ": " + e.Message
		}
		switch status {
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return browser.Validation(msg)
		case http.StatusNotFound, http.StatusMethodNotAllowed:
			return browser.NewError(browser.CodeProtocol, "unknown command: "+msg, nil)
		default:
			return browser.NewError(browser.CodeInternal, msg, nil)
		}
	}

	switch p.Kind {
	case KindTimeout:
		return browser.SessionError(p.Message, context.DeadlineExceeded)
	case browser.CodeSession:
		return browser.SessionError(p.Message, nil)
	default:
		return browser.NewError(p.Kind, p.Message, nil)
	}
}

// Ping checks the daemon answers.
func (c *Client) Ping(ctx context.Context) (PingResult, error) {
	var out PingResult
	err := c.Call(ctx, CmdPing, nil, &out)
	return out, err
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.Call(ctx, CmdStatus, nil, &out)
	return out, err
}

// Shutdown asks the daemon to stop. It returns once the request is
// accepted, not when the daemon has exited.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, CmdShutdown, nil, nil)
}
