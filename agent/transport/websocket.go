package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
)

var _ Dialer = (*WSDialer)(nil)

// WSDialer opens lwp sessions over a websocket.
type WSDialer struct {
	cfg    Config
	dialer *websocket.Dialer
	now    func() time.Time
}

func NewWSDialer(cfg Config) *WSDialer {
	return &WSDialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		now: time.Now,
	}
}

func (d *WSDialer) Dial(ctx context.Context, cred contractx.Credential) (Channel, error) {
	header := http.Header{}
	header.Set("Cookie", cred.Cookie)
	header.Set("Origin", "https://www.goofish.com")
	header.Set("User-Agent", d.cfg.UserAgent)

	conn, resp, err := d.dialer.DialContext(ctx, d.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status=%d", contractx.ErrCredential, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", contractx.ErrTransport, d.cfg.URL, err)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	ch := &wsChannel{
		conn:   conn,
		cfg:    d.cfg,
		selfID: cred.UserID,
		now:    d.now,
		cancel: cancel,
	}

	reg, err := registerFrame(cred, d.cfg.UserAgent, d.now())
	if err == nil {
		err = ch.write(reg)
	}
	if err == nil {
		var diff []byte
		if diff, err = ackDiffFrame(d.now()); err == nil {
			err = ch.write(diff)
		}
	}
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: register: %v", contractx.ErrTransport, err)
	}

	go ch.heartbeat(hbCtx)
	return ch, nil
}

type wsChannel struct {
	conn   *websocket.Conn
	cfg    Config
	selfID string
	now    func() time.Time
	cancel context.CancelFunc

	writeMu   sync.Mutex
	pending   []Event
	closeOnce sync.Once
}

func (c *wsChannel) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// heartbeat pings every interval. A failed write closes the connection so the
// reader notices.
func (c *wsChannel) heartbeat(ctx context.Context) {
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := heartbeatFrame(c.now())
			if err == nil {
				err = c.write(data)
			}
			if err != nil {
				log.Warn().Err(err).Msg("heartbeat failed")
				_ = c.Close()
				return
			}
		}
	}
}

// Receive reads until a frame yields an event. Silence longer than one
// heartbeat interval plus the heartbeat timeout counts as a dead link.
func (c *wsChannel) Receive(ctx context.Context) (Event, error) {
	for {
		if len(c.pending) > 0 {
			ev := c.pending[0]
			c.pending = c.pending[1:]
			return ev, nil
		}
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}

		if c.cfg.HeartbeatInterval > 0 {
			_ = c.conn.SetReadDeadline(c.now().Add(c.cfg.HeartbeatInterval + c.cfg.HeartbeatTimeout))
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return Event{}, fmt.Errorf("%w: read: %v", contractx.ErrTransport, err)
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Debug().Err(err).Msg("skipping non-json frame")
			continue
		}
		if ack, ok := ackFrame(f, c.now()); ok {
			if err := c.write(ack); err != nil {
				return Event{}, fmt.Errorf("%w: ack: %v", contractx.ErrTransport, err)
			}
		}
		if f.Code == http.StatusUnauthorized || f.Code == http.StatusForbidden {
			return Event{}, fmt.Errorf("%w: server code=%d", contractx.ErrCredential, f.Code)
		}

		events, err := decodePush(f, c.selfID)
		if err != nil && !errors.Is(err, errUndecodable) {
			return Event{}, err
		}
		if err != nil {
			log.Warn().Err(err).Msg("dropping undecodable push")
		}
		c.pending = append(c.pending, events...)
	}
}

func (c *wsChannel) Send(ctx context.Context, out Outbound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := sendFrame(out, c.selfID, c.now())
	if err != nil {
		return err
	}
	if err := c.write(data); err != nil {
		return fmt.Errorf("%w: write conversation=%s: %v", contractx.ErrTransport, out.Key, err)
	}
	return nil
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}
