// Package nntp provides the NNTP transport layer: a thin textproto client
// speaking AUTHINFO/BODY/STAT, and a per-provider connection pool with
// usage-class admission control.
package nntp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"time"
)

var (
	// ErrArticleNotFound maps the permanent 430/423 responses.
	ErrArticleNotFound = errors.New("nntp: article not found")

	// ErrAuthFailed is returned when AUTHINFO is rejected.
	ErrAuthFailed = errors.New("nntp: authentication failed")
)

// Conn is a single authenticated NNTP session. *Client is the production
// implementation; tests substitute their own.
type Conn interface {
	Authenticate(user, pass string) error
	// Body issues BODY <id> and returns a dot-decoded reader over the
	// article body. The reader must be drained before the next command.
	Body(messageID string) (io.Reader, error)
	// Stat issues STAT <id> and reports article existence.
	Stat(messageID string) (bool, error)
	Close() error
}

// DialFunc opens a connection to a provider. Injected so pool tests run
// without sockets.
type DialFunc func(ctx context.Context, p Provider) (Conn, error)

// Client is an NNTP session over a persistent TCP or TLS connection.
type Client struct {
	conn    *textproto.Conn
	netConn net.Conn
	timeout time.Duration
}

// Dial connects to the provider, waits for the 200/201 greeting and returns
// an unauthenticated client.
func Dial(ctx context.Context, p Provider) (Conn, error) {
	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))

	d := &net.Dialer{Timeout: 30 * time.Second}
	var (
		conn net.Conn
		err  error
	)
	if p.TLS {
		td := &tls.Dialer{NetDialer: d}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("nntp: dial %s: %w", addr, err)
	}

	// Greeting can be 200 (posting allowed) or 201.
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	tp := textproto.NewConn(conn)
	if _, _, err := tp.ReadResponse(20); err != nil {
		_ = tp.Close()
		return nil, fmt.Errorf("nntp: greeting from %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &Client{
		conn:    tp,
		netConn: conn,
		timeout: 60 * time.Second,
	}, nil
}

// Authenticate performs AUTHINFO USER/PASS. Servers that do not require a
// password answer 281 to the USER command directly.
func (c *Client) Authenticate(user, pass string) error {
	if user == "" {
		return nil
	}

	c.setDeadline()
	id, err := c.conn.Cmd("AUTHINFO USER %s", user)
	if err != nil {
		return fmt.Errorf("nntp: authinfo user: %w", err)
	}
	c.conn.StartResponse(id)
	code, _, err := c.conn.ReadCodeLine(381)
	c.conn.EndResponse(id)
	if err != nil {
		if code == 281 {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	id, err = c.conn.Cmd("AUTHINFO PASS %s", pass)
	if err != nil {
		return fmt.Errorf("nntp: authinfo pass: %w", err)
	}
	c.conn.StartResponse(id)
	_, _, err = c.conn.ReadCodeLine(281)
	c.conn.EndResponse(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	return nil
}

// Body issues BODY <message-id>. 430/423 map to ErrArticleNotFound; any
// other failure is a transport error and the connection should be dropped.
func (c *Client) Body(messageID string) (io.Reader, error) {
	c.setDeadline()
	id, err := c.conn.Cmd("BODY <%s>", messageID)
	if err != nil {
		return nil, fmt.Errorf("nntp: body cmd: %w", err)
	}

	c.conn.StartResponse(id)
	code, _, err := c.conn.ReadCodeLine(222)
	c.conn.EndResponse(id)
	if err != nil {
		if isNotFoundCode(code) {
			return nil, fmt.Errorf("%w: <%s>", ErrArticleNotFound, messageID)
		}
		return nil, fmt.Errorf("nntp: body <%s>: %w", messageID, err)
	}

	return c.conn.DotReader(), nil
}

// Stat issues STAT <message-id> without transferring the body.
func (c *Client) Stat(messageID string) (bool, error) {
	c.setDeadline()
	id, err := c.conn.Cmd("STAT <%s>", messageID)
	if err != nil {
		return false, fmt.Errorf("nntp: stat cmd: %w", err)
	}

	c.conn.StartResponse(id)
	code, _, err := c.conn.ReadCodeLine(223)
	c.conn.EndResponse(id)
	if err != nil {
		if isNotFoundCode(code) {
			return false, nil
		}
		return false, fmt.Errorf("nntp: stat <%s>: %w", messageID, err)
	}

	return true, nil
}

// Close sends QUIT on a best-effort basis and tears down the socket.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	_ = c.netConn.SetDeadline(time.Now().Add(2 * time.Second))
	_, _ = c.conn.Cmd("QUIT")
	return c.conn.Close()
}

func (c *Client) setDeadline() {
	if c.netConn != nil {
		_ = c.netConn.SetDeadline(time.Now().Add(c.timeout))
	}
}

func isNotFoundCode(code int) bool {
	return code == 430 || code == 423
}

// IsNotFound reports whether err represents a permanent no-such-article
// response rather than a transient transport failure.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrArticleNotFound) {
		return true
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return isNotFoundCode(tpErr.Code)
	}
	return false
}
