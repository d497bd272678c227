// Package source talks to the upstream channel service: a websocket feed for
// live messages and a REST API for history, single messages and file bytes.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/dharsanguruparan/ChannelDrop/internal/logging"
	"github.com/dharsanguruparan/ChannelDrop/internal/model"
	"github.com/dharsanguruparan/ChannelDrop/internal/retrieve"
	"github.com/dharsanguruparan/ChannelDrop/internal/signing"
)

// Config identifies the session and the endpoints.
type Config struct {
	WSURL   string
	APIURL  string
	APIID   string
	APIHash string
	Session string
	// Channel is the scope used in REST paths: a username or numeric id.
	Channel string
	// RPS bounds REST requests per second.
	RPS float64
	// PingInterval is how often a websocket ping is sent. Zero means 30s.
	PingInterval time.Duration
}

// Handler receives each live event on the read goroutine. Events are delivered
// one at a time.
type Handler func(ctx context.Context, ev *model.InboundEvent)

// Client is one authenticated session with the source.
type Client struct {
	cfg        Config
	signer     *signing.Signer
	httpClient *http.Client
	limiter    *rate.Limiter
	instanceID string
	handler    Handler

	connMu sync.RWMutex
	conn   *websocket.Conn
	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
	lastErr error
	cancel  context.CancelFunc
	// deliverCtx is handed to the handler. It outlives dropped connections
	// and is cancelled only by Close, so a lost socket does not abort an
	// event mid-pipeline.
	deliverCtx    context.Context
	deliverCancel context.CancelFunc
	wg            sync.WaitGroup
}

// New builds a Client. handler may be nil for REST-only use.
func New(cfg Config, handler Handler) *Client {
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg:        cfg,
		signer:     signing.NewSigner([]byte(cfg.APIHash)),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		instanceID: uuid.NewString(),
		handler:    handler,
	}
}

// InstanceID identifies this process to the source and in logs.
func (c *Client) InstanceID() string { return c.instanceID }

func (c *Client) headers() http.Header {
	h := c.signer.HandshakeHeaders(c.cfg.APIID, c.cfg.Session, time.Now())
	h.Set(signing.HeaderInstance, c.instanceID)
	return h
}

// Connect opens the websocket feed. A 409 handshake response means the session
// is live elsewhere and yields model.ErrSessionConflict.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.WSURL, c.headers())
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusConflict {
				return fmt.Errorf("websocket handshake: %w", model.ErrSessionConflict)
			}
			return fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	// Connect's ctx may be a dial timeout; the read loop lives until Close or
	// until the connection drops.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if c.deliverCtx == nil {
		c.deliverCtx, c.deliverCancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	c.conn = conn
	c.lastErr = nil
	c.cancel = cancel
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
	})

	c.wg.Add(2)
	go c.listen(loopCtx, c.deliverCtx, conn)
	go c.pingLoop(loopCtx, conn)
	logging.Info().Str("instance_id", c.instanceID).Msg("source session connected")
	return nil
}

// Connected reports whether the websocket is open.
func (c *Client) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn != nil
}

// Err returns why the last connection ended.
func (c *Client) Err() error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.lastErr
}

// Close stops the read loop, cancels in-flight deliveries and closes the
// websocket.
func (c *Client) Close() error {
	c.connMu.Lock()
	conn, cancel, deliverCancel := c.conn, c.cancel, c.deliverCancel
	c.conn, c.cancel = nil, nil
	c.deliverCtx, c.deliverCancel = nil, nil
	c.connMu.Unlock()

	if deliverCancel != nil {
		deliverCancel()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.wg.Wait()
	return nil
}

// drop marks conn dead with cause, unless a newer connection replaced it.
func (c *Client) drop(conn *websocket.Conn, cause error) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.lastErr = cause
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
	}
	c.connMu.Unlock()
	_ = conn.Close()
}

func (c *Client) listen(ctx, deliverCtx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, closeSessionConflict) {
				err = fmt.Errorf("server closed session: %w", model.ErrSessionConflict)
			}
			logging.Warn().Err(err).Msg("source read failed")
			c.drop(conn, err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			logging.Warn().Err(err).Msg("undecodable source frame")
			continue
		}
		switch f.Type {
		case frameMessage:
			if f.Message == nil {
				continue
			}
			if c.handler != nil {
				c.handler(deliverCtx, f.Message.toEvent())
			}
		case frameSessionConflict:
			logging.Error().Msg("source reported session conflict")
			c.drop(conn, model.ErrSessionConflict)
			return
		case framePong:
		default:
			logging.Debug().Str("type", f.Type).Msg("unknown source frame")
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				logging.Warn().Err(err).Msg("source ping failed")
				c.drop(conn, err)
				return
			}
		}
	}
}

// FetchMessage loads one message of the configured channel by id.
func (c *Client) FetchMessage(ctx context.Context, id int64) (*model.InboundEvent, error) {
	var msg wireMessage
	path := "/channels/" + url.PathEscape(c.cfg.Channel) + "/messages/" + strconv.FormatInt(id, 10)
	if err := c.getJSON(ctx, path, &msg); err != nil {
		return nil, fmt.Errorf("fetch message %d: %w", id, err)
	}
	return msg.toEvent(), nil
}

// History returns up to limit recent messages of the configured channel,
// oldest first.
func (c *Client) History(ctx context.Context, limit int) ([]*model.InboundEvent, error) {
	var resp struct {
		Messages []wireMessage `json:"messages"`
	}
	path := "/channels/" + url.PathEscape(c.cfg.Channel) + "/messages?limit=" + strconv.Itoa(limit)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	events := make([]*model.InboundEvent, 0, len(resp.Messages))
	for i := range resp.Messages {
		events = append(events, resp.Messages[i].toEvent())
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

// Download streams file bytes into w. HTTP 429 becomes *retrieve.RateLimitError.
func (c *Client) Download(ctx context.Context, fileID string, w io.Writer) error {
	resp, err := c.get(ctx, "/files/"+url.PathEscape(fileID))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("read file body: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// get issues an authenticated GET and maps error statuses. On success the
// caller must close the body.
func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = c.headers()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return nil, &retrieve.RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case http.StatusNotFound:
		return nil, model.ErrNotFound
	case http.StatusConflict:
		return nil, model.ErrSessionConflict
	default:
		return nil, fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP date and defaults to one
// second.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return 0
	}
	return time.Second
}

