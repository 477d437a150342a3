package oddsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"EdgeRefresh/internal/domain/models"
	drepo "EdgeRefresh/internal/domain/repository"
	"EdgeRefresh/pkg/logger"
)

var errNotConnected = errors.New("oddsfeed not connected")

// Config holds the feed connection settings.
type Config struct {
	APIKey         string
	WebSocketURL   string
	Markets        []string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
}

// Client implements a ChangeStream backed by an odds feed WebSocket.
type Client struct {
	cfg Config
	log *logger.Logger

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected bool
}

// New creates a new odds feed ChangeStream.
func New(cfg Config, log *logger.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Client{cfg: cfg, log: log}
}

var _ drepo.ChangeStream = (*Client)(nil)

// Connect establishes the WebSocket connection.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.cfg.WebSocketURL)
	if err != nil {
		return fmt.Errorf("oddsfeed url: %w", err)
	}
	if c.cfg.APIKey != "" {
		q := u.Query()
		q.Set("token", c.cfg.APIKey)
		u.RawQuery = q.Encode()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("oddsfeed connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.log.Info("oddsfeed connected", logger.String("url", u.Host))
	return nil
}

// Subscribe subscribes to the configured markets. An empty market list
// subscribes to everything the feed publishes.
func (c *Client) Subscribe(ctx context.Context) error {
	conn := c.current()
	if conn == nil {
		return errNotConnected
	}
	markets := c.cfg.Markets
	if len(markets) == 0 {
		markets = []string{"*"}
	}
	for _, m := range markets {
		if err := c.write(conn, subscribeMsg{Type: "subscribe", Market: m}); err != nil {
			return fmt.Errorf("subscribe %s: %w", m, err)
		}
		c.log.Debug("oddsfeed subscribed", logger.String("market", m))
	}
	return nil
}

type subscribeMsg struct {
	Type   string `json:"type"`
	Market string `json:"market"`
}

type feedChange struct {
	EdgeID     string  `json:"edge_id"`
	ChangeType string  `json:"change_type"`
	Magnitude  float64 `json:"magnitude"`
	T          int64   `json:"t"` // ms
}

type feedMessage struct {
	Type string       `json:"type"`
	Data []feedChange `json:"data"`
}

// parseFrame decodes a feed frame. Frames that are not change updates
// yield no events.
func parseFrame(b []byte) ([]*models.EdgeChangeEvent, error) {
	var m feedMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m.Type != "change" {
		return nil, nil
	}
	out := make([]*models.EdgeChangeEvent, 0, len(m.Data))
	for _, d := range m.Data {
		if d.EdgeID == "" {
			continue
		}
		ev := &models.EdgeChangeEvent{
			EdgeID:     models.EdgeID(d.EdgeID),
			ChangeType: models.ParseChangeType(d.ChangeType),
			Magnitude:  models.ClampMagnitude(d.Magnitude),
		}
		if d.T > 0 {
			ev.Timestamp = time.UnixMilli(d.T).UTC()
		}
		out = append(out, ev)
	}
	return out, nil
}

// Read streams change events and errors. Both channels close when the
// read loop ends.
func (c *Client) Read(ctx context.Context) (<-chan *models.EdgeChangeEvent, <-chan error) {
	changes := make(chan *models.EdgeChangeEvent, 1024)
	errs := make(chan error, 1)
	conn := c.current()

	// ping loop
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cur := c.current()
				if cur == nil || cur != conn {
					return
				}
				c.writeMu.Lock()
				_ = cur.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				c.writeMu.Unlock()
			}
		}
	}()

	// read loop
	go func() {
		defer close(changes)
		defer close(errs)
		if conn == nil {
			errs <- errNotConnected
			return
		}
		for {
			if ctx.Err() != nil {
				return
			}
			_, b, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					errs <- fmt.Errorf("oddsfeed read: %w", err)
				}
				return
			}
			evs, err := parseFrame(b)
			if err != nil {
				c.log.Debug("oddsfeed skipped frame", logger.Error(err))
				continue
			}
			for _, ev := range evs {
				select {
				case changes <- ev:
				case <-ctx.Done():
					return
				default:
					c.log.Warn("oddsfeed backpressure, change dropped", logger.String("edge_id", string(ev.EdgeID)))
				}
			}
		}
	}()

	return changes, errs
}

// Reconnect closes and reconnects after the configured delay.
func (c *Client) Reconnect(ctx context.Context) error {
	_ = c.Close()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.ReconnectDelay):
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.Subscribe(ctx)
}

// Close closes the WS connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// IsConnected indicates status.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) write(conn *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}
