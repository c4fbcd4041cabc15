// Package nntp implements the wire-level NNTP client used to fetch article
// bodies from a Usenet server: connect, AUTHINFO, GROUP, ARTICLE/BODY, QUIT.
// It is deliberately thin: no pooling, no failover, no retry policy — those
// live in internal/serverpool and internal/downloader. One Conn holds at most
// one net.Conn at a time; after a disconnect, Connect dials a fresh one.
package nntp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/javi11/nzbcore/internal/control"
	"github.com/javi11/nzbcore/internal/model"
)

// Status mirrors the original Connection::EStatus lifecycle.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnected
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "CONNECTED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "DISCONNECTED"
	}
}

// Config describes one server endpoint and how to talk to it.
type Config struct {
	Host     string
	Port     int
	TLS      bool
	User     string
	Password string
	Timeout  time.Duration
}

// Conn is a single NNTP connection to one news server. It is not safe for
// concurrent use by multiple goroutines; callers serialize access (the
// server pool hands out one Conn per worker).
type Conn struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	netConn net.Conn
	tp      *textproto.Reader
	w       *bufio.Writer
	status  Status

	currentGroup string
}

// New returns an unconnected Conn for cfg.
func New(cfg Config, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{cfg: cfg, log: log.With("component", "nntp", "host", cfg.Host), status: StatusDisconnected}
}

// Status reports the connection's current lifecycle state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect dials the server, optionally negotiates TLS, reads the greeting,
// and authenticates if credentials are configured. ctx governs the dial and
// the handshake; tok, if non-nil, also aborts the handshake when cancelled.
func (c *Conn) Connect(ctx context.Context, tok *control.CancelToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	var netConn net.Conn
	var err error
	if c.cfg.TLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: c.cfg.Host}}
		netConn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		netConn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", model.ErrConnect, addr, err)
	}
	if tok != nil && tok.Cancelled() {
		_ = netConn.Close()
		return fmt.Errorf("%w: cancelled before handshake", model.ErrConnect)
	}

	c.netConn = netConn
	c.tp = textproto.NewReader(bufio.NewReader(netConn))
	c.w = bufio.NewWriter(netConn)
	c.status = StatusConnected

	if _, _, err := c.readResponse(); err != nil {
		c.closeLocked()
		return fmt.Errorf("%w: reading greeting: %w", model.ErrConnect, err)
	}

	if c.cfg.User != "" {
		if err := c.authenticateLocked(); err != nil {
			c.closeLocked()
			return err
		}
	}

	c.log.Debug("connected")
	return nil
}

func (c *Conn) authenticateLocked() error {
	code, msg, err := c.commandLocked("AUTHINFO USER " + c.cfg.User)
	if err != nil {
		return fmt.Errorf("%w: AUTHINFO USER: %w", model.ErrConnect, err)
	}
	if code == 281 {
		return nil // server does not require a password
	}
	if code != 381 {
		return fmt.Errorf("%w: AUTHINFO USER rejected: %d %s", model.ErrConnect, code, msg)
	}

	code, msg, err = c.commandLocked("AUTHINFO PASS " + c.cfg.Password)
	if err != nil {
		return fmt.Errorf("%w: AUTHINFO PASS: %w", model.ErrConnect, err)
	}
	if code != 281 {
		return fmt.Errorf("%w: authentication failed: %d %s", model.ErrConnect, code, msg)
	}
	return nil
}

// JoinGroup issues GROUP name if it is not already the selected group.
// Most servers accept ARTICLE/BODY by message-id without a selected group,
// but some optional/cheap servers require one.
func (c *Conn) JoinGroup(group string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if group == "" || c.currentGroup == group {
		return nil
	}
	code, msg, err := c.commandLocked("GROUP " + group)
	if err != nil {
		return fmt.Errorf("%w: GROUP %s: %w", model.ErrConnect, group, err)
	}
	if Classify(code) != ResponseSuccess {
		return fmt.Errorf("%w: GROUP %s rejected: %d %s", model.ErrNotFound, group, code, msg)
	}
	c.currentGroup = group
	return nil
}

// ResponseKind buckets a three-digit NNTP status code the way the article
// retry policy needs it: success, connection-level failure (server closing),
// article/group not found, or a generic failure eligible for retry.
type ResponseKind int

const (
	ResponseSuccess ResponseKind = iota
	ResponseConnectError
	ResponseNotFound
	ResponseFailure
)

// Classify maps code onto a ResponseKind. 2xx is success for the issued
// command; 400 and 499 mean the server is closing the connection; 41x, 42x
// and 43x are not-found (no such group, no such article) and must not be
// retried on this server.
func Classify(code int) ResponseKind {
	switch {
	case code >= 200 && code < 300:
		return ResponseSuccess
	case code == 400 || code == 499:
		return ResponseConnectError
	case code >= 410 && code < 440:
		return ResponseNotFound
	default:
		return ResponseFailure
	}
}

// Body requests the body of messageID (BODY <message-id>) and streams it to
// sink line by line, with the NNTP dot-stuffing undone and the terminating
// "." line consumed but not forwarded. It returns model.ErrNotFound if the
// server reports the article missing.
func (c *Conn) Body(messageID string, sink func(line []byte) error) error {
	return c.fetch("BODY", messageID, sink)
}

// Article requests the full article (ARTICLE <message-id>) — headers, blank
// separator and body — and streams it to sink the same way Body does. Used
// in raw-article mode where the caller wants the headers preserved.
func (c *Conn) Article(messageID string, sink func(line []byte) error) error {
	return c.fetch("ARTICLE", messageID, sink)
}

func (c *Conn) fetch(cmd, messageID string, sink func(line []byte) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusConnected {
		return fmt.Errorf("%w: not connected", model.ErrConnect)
	}

	if err := c.sendCommandLocked(cmd + " <" + strings.Trim(messageID, "<>") + ">"); err != nil {
		return fmt.Errorf("%w: %s: %w", model.ErrConnect, cmd, err)
	}
	code, msg, err := c.readResponse()
	if err != nil {
		return fmt.Errorf("%w: %s status: %w", model.ErrConnect, cmd, err)
	}

	switch Classify(code) {
	case ResponseSuccess:
		// falls through to body read below
	case ResponseNotFound:
		return fmt.Errorf("%w: %d %s", model.ErrNotFound, code, msg)
	default:
		return fmt.Errorf("%w: %s rejected: %d %s", model.ErrConnect, cmd, code, msg)
	}

	for {
		raw, err := c.tp.ReadLineBytes()
		if err != nil {
			return fmt.Errorf("%w: reading body: %w", model.ErrConnect, err)
		}
		if len(raw) == 1 && raw[0] == '.' {
			return nil
		}
		if len(raw) > 0 && raw[0] == '.' {
			raw = raw[1:] // undo dot-stuffing
		}
		if err := sink(raw); err != nil {
			return err
		}
	}
}

// Quit sends QUIT and closes the underlying connection, ignoring the
// server's response since the socket is going away regardless.
func (c *Conn) Quit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusConnected {
		return nil
	}
	_, _, _ = c.commandLocked("QUIT")
	return c.closeLocked()
}

// Cancel marks the connection cancelled and closes its socket. It takes the
// connection mutex, which Body and Article hold for a whole transfer, so it
// waits for an in-progress fetch to finish rather than interrupting it.
func (c *Conn) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusCancelled
	if c.netConn != nil {
		_ = c.netConn.Close()
	}
}

func (c *Conn) closeLocked() error {
	c.status = StatusDisconnected
	if c.netConn == nil {
		return nil
	}
	err := c.netConn.Close()
	c.netConn = nil
	return err
}

// commandLocked writes a command line and reads back a single status line.
func (c *Conn) commandLocked(cmd string) (code int, msg string, err error) {
	if err := c.sendCommandLocked(cmd); err != nil {
		return 0, "", err
	}
	return c.readResponse()
}

func (c *Conn) sendCommandLocked(cmd string) error {
	if _, err := c.w.WriteString(cmd + "\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// readResponse reads one "CCC text" status line and classifies the code.
func (c *Conn) readResponse() (int, string, error) {
	line, err := c.tp.ReadLine()
	if err != nil {
		return 0, "", err
	}
	if len(line) < 3 {
		return 0, "", fmt.Errorf("malformed response: %q", line)
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return 0, "", fmt.Errorf("malformed response code: %q", line)
	}
	msg := strings.TrimSpace(line[3:])
	return code, msg, nil
}

// IsTransient reports whether code indicates a retryable server condition
// (busy, too many connections, temporary failure) as opposed to a permanent
// rejection of the request.
func IsTransient(code int) bool {
	switch code {
	case 400, 401, 403, 503:
		return true
	default:
		return code >= 500 && code < 600
	}
}
