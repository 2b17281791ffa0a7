package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kagan-dev/kagan/internal/core"
)

// Client is a synchronous IPC client. One request is in flight at a time;
// callers serialise through the internal mutex.
type Client struct {
	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Scanner
	writer    *bufio.Writer
	token     string
	sessionID string
	profile   string
	origin    string
	closed    bool
}

// Dial connects to the endpoint and, for TCP, completes the handshake.
func Dial(ctx context.Context, ep *Endpoint, sessionID string) (*Client, error) {
	var d net.Dialer
	var (
		conn net.Conn
		err  error
	)
	switch ep.Transport {
	case TransportSocket:
		conn, err = d.DialContext(ctx, "unix", ep.Address)
	case TransportTCP:
		if ep.Port == nil {
			return nil, fmt.Errorf("tcp endpoint missing port")
		}
		conn, err = d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", ep.Address, *ep.Port))
	default:
		return nil, fmt.Errorf("unknown transport %q", ep.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to core: %w", err)
	}

	c := &Client{
		conn:      conn,
		reader:    NewLineScanner(conn, MinLineBytes),
		writer:    bufio.NewWriter(conn),
		token:     ep.Token,
		sessionID: sessionID,
	}

	if ep.Transport == TransportTCP {
		if err := c.performHandshake(ep.HandshakeToken); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return c, nil
}

// WithProfile sets the profile and origin presented on every request.
func (c *Client) WithProfile(profile, origin string) *Client {
	c.profile = profile
	c.origin = origin
	return c
}

func (c *Client) performHandshake(token string) error {
	if err := c.conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	if _, err := c.conn.Write([]byte(token + "\n")); err != nil {
		return fmt.Errorf("sending handshake: %w", err)
	}
	ack := make([]byte, len(handshakeAck))
	if _, err := c.conn.Read(ack); err != nil {
		return fmt.Errorf("reading handshake ack: %w", err)
	}
	if strings.TrimSpace(string(ack)) != strings.TrimSpace(handshakeAck) {
		return fmt.Errorf("handshake rejected")
	}
	return nil
}

// Call sends one request and reads its response. A response carrying a
// different request_id means the stream is corrupt: the connection is closed
// and the call fails.
func (c *Client) Call(ctx context.Context, capability, method string, params map[string]any) (map[string]any, error) {
	return c.call(ctx, capability, method, params, "")
}

// CallIdempotent is Call with an idempotency key attached.
func (c *Client) CallIdempotent(ctx context.Context, capability, method string, params map[string]any, key string) (map[string]any, error) {
	return c.call(ctx, capability, method, params, key)
}

func (c *Client) call(ctx context.Context, capability, method string, params map[string]any, idemKey string) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("client is closed")
	}

	req := Request{
		RequestID:      uuid.NewString(),
		SessionID:      c.sessionID,
		SessionProfile: c.profile,
		SessionOrigin:  c.origin,
		Capability:     capability,
		Method:         method,
		Params:         params,
		IdempotencyKey: idemKey,
		Token:          c.token,
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
		defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	}

	if err := WriteMessage(c.writer, req); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if !c.reader.Scan() {
		if err := c.reader.Err(); err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		return nil, fmt.Errorf("connection closed by core")
	}

	var resp Response
	if err := unmarshalLine(c.reader.Bytes(), &resp); err != nil {
		return nil, err
	}
	if resp.RequestID != req.RequestID {
		c.closeLocked()
		return nil, fmt.Errorf("response request_id %q does not match request %q; connection closed",
			resp.RequestID, req.RequestID)
	}
	if !resp.OK {
		code := core.CodeInternalError
		message := "core returned an error without detail"
		if resp.Error != nil {
			code = resp.Error.Code
			message = resp.Error.Message
		}
		return nil, &core.DomainError{Category: core.ErrCatInternal, Code: code, Message: message}
	}
	if len(resp.Result) == 0 {
		return nil, nil
	}
	var result map[string]any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("parsing result: %w", err)
	}
	return result, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
