package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
)

type OutboundMode string

const (
	// OutboundBuffer queues replies while disconnected and flushes them in order on reconnect.
	OutboundBuffer OutboundMode = "buffer"
	// OutboundReject fails replies with ErrNotConnected while disconnected.
	OutboundReject OutboundMode = "reject"
)

type Config struct {
	URL               string        `default:"wss://wss-goofish.dingtalk.com/"`
	UserAgent         string        `split_words:"true" default:"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36 DingTalk(2.1.5) OS(Windows/10) Browser(Chrome/133.0.0.0) DingWeb/2.1.5 IMPaaS DingWeb/2.1.5"`
	HeartbeatInterval time.Duration `split_words:"true" default:"15s"`
	HeartbeatTimeout  time.Duration `split_words:"true" default:"5s"`
	HandshakeTimeout  time.Duration `split_words:"true" default:"10s"`
	WriteTimeout      time.Duration `split_words:"true" default:"10s"`

	InitialBackoff    time.Duration `split_words:"true" default:"1s"`
	MaxBackoff        time.Duration `split_words:"true" default:"60s"`
	BackoffMultiplier float64       `split_words:"true" default:"2"`

	OutboundMode OutboundMode `split_words:"true" default:"buffer"`
	// QuoteReplies sends each reply as a quote of the buyer's latest message.
	QuoteReplies bool         `split_words:"true" default:"false"`
	OutboxSize   int          `split_words:"true" default:"256"`
	EventBuffer  int          `split_words:"true" default:"64"`
}

func (c Config) Validate() error {
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("%w: backoff bounds initial=%s max=%s", contractx.ErrValidation, c.InitialBackoff, c.MaxBackoff)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: backoff multiplier must be >= 1", contractx.ErrValidation)
	}
	switch c.OutboundMode {
	case OutboundBuffer, OutboundReject:
	default:
		return fmt.Errorf("%w: unknown outbound mode %q", contractx.ErrValidation, c.OutboundMode)
	}
	if c.OutboundMode == OutboundBuffer && c.OutboxSize < 1 {
		return fmt.Errorf("%w: outbox size must be >= 1", contractx.ErrValidation)
	}
	return nil
}

// Outbound is one reply addressed to a conversation.
type Outbound struct {
	Key     string
	BuyerID string
	Text    string
	// ReplyTo is the platform id of the quoted buyer message, if any.
	ReplyTo string
}

// Dialer opens a channel authenticated with cred. A rejected credential is
// reported as ErrCredential.
type Dialer interface {
	Dial(ctx context.Context, cred contractx.Credential) (Channel, error)
}

// Channel is one live connection. Receive blocks until a chat or order event
// arrives; ErrCredential means the platform revoked the session.
type Channel interface {
	Receive(ctx context.Context) (Event, error)
	Send(ctx context.Context, out Outbound) error
	Close() error
}

type Option func(*Transport)

func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		if now != nil {
			t.now = now
		}
	}
}

var _ contractx.Sender = (*Transport)(nil)

// Transport keeps one session alive, reconnecting with exponential backoff and
// refreshing credentials when the platform rejects them.
type Transport struct {
	cfg      Config
	dialer   Dialer
	supplier contractx.CredentialSupplier
	events   chan Event
	supply   chan contractx.Credential
	now      func() time.Time

	// writeMu serializes writes so buffered replies leave before new ones.
	writeMu sync.Mutex

	mu      sync.Mutex
	session *Session
	up      chan struct{}
	ch      Channel
	outbox  []Outbound
	peers   map[string]string
	byBuyer map[string]string
	latest  map[string]string
}

func New(cfg Config, dialer Dialer, supplier contractx.CredentialSupplier, opts ...Option) (*Transport, error) {
	if dialer == nil {
		return nil, fmt.Errorf("%w: dialer is required", contractx.ErrValidation)
	}
	if supplier == nil {
		return nil, fmt.Errorf("%w: credential supplier is required", contractx.ErrValidation)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EventBuffer < 0 {
		cfg.EventBuffer = 0
	}

	t := &Transport{
		cfg:      cfg,
		dialer:   dialer,
		supplier: supplier,
		events:   make(chan Event, cfg.EventBuffer),
		supply:   make(chan contractx.Credential, 1),
		now:      time.Now,
		up:       make(chan struct{}),
		peers:    make(map[string]string, 64),
		byBuyer:  make(map[string]string, 64),
		latest:   make(map[string]string, 64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.session = newSession(t.now())
	return t, nil
}

func (t *Transport) Events() <-chan Event {
	return t.events
}

// Session returns the current session. A rejected credential retires it and
// the next credential gets a new one.
func (t *Transport) Session() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// Connect hands cred to the running transport and blocks until a session using
// it is connected. A live connection on another credential is dropped first.
// Run must be running.
func (t *Transport) Connect(ctx context.Context, cred contractx.Credential) (*Session, error) {
	if err := t.SupplyCredential(cred); err != nil {
		return nil, err
	}

	t.mu.Lock()
	ch := t.ch
	current := t.session.Credential()
	t.mu.Unlock()
	if ch != nil && current.Token != cred.Token {
		_ = ch.Close()
	}

	for {
		t.mu.Lock()
		s, up := t.session, t.up
		t.mu.Unlock()
		if s.Status() == StatusConnected && s.Credential().Token == cred.Token {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: connect: %v", contractx.ErrNotConnected, ctx.Err())
		case <-up:
		}
	}
}

// SupplyCredential hands over a credential obtained out of band, e.g. after a
// manual login. It replaces any credential supplied earlier and not yet used.
func (t *Transport) SupplyCredential(cred contractx.Credential) error {
	if !cred.Valid() {
		return fmt.Errorf("%w: credential needs cookie and token", contractx.ErrValidation)
	}
	for {
		select {
		case t.supply <- cred:
			return nil
		default:
		}
		select {
		case <-t.supply:
		default:
		}
	}
}

// Pending reports how many replies wait for a connection.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outbox)
}

func (t *Transport) Send(ctx context.Context, key string, text string) error {
	if strings.TrimSpace(key) == "" || strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: send needs key and text", contractx.ErrValidation)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	ch := t.ch
	out := Outbound{Key: key, BuyerID: t.peers[key], Text: text}
	if t.cfg.QuoteReplies {
		out.ReplyTo = t.latest[key]
	}
	t.mu.Unlock()

	if ch == nil {
		return t.holdLocked(out)
	}
	if err := t.flushLocked(ctx, ch); err != nil {
		return t.failLocked(out, err)
	}
	if err := ch.Send(ctx, out); err != nil {
		return t.failLocked(out, err)
	}
	return nil
}

// holdLocked queues out while no channel is attached. Callers hold writeMu.
func (t *Transport) holdLocked(out Outbound) error {
	if t.cfg.OutboundMode == OutboundReject {
		return fmt.Errorf("%w: conversation=%s status=%s", contractx.ErrNotConnected, out.Key, t.Session().Status())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.outbox) >= t.cfg.OutboxSize {
		return fmt.Errorf("%w: outbox full (%d) conversation=%s", contractx.ErrNotConnected, len(t.outbox), out.Key)
	}
	t.outbox = append(t.outbox, out)
	log.Debug().Str("conversation", out.Key).Int("pending", len(t.outbox)).Msg("reply buffered until reconnect")
	return nil
}

func (t *Transport) failLocked(out Outbound, err error) error {
	if t.cfg.OutboundMode == OutboundBuffer && !errors.Is(err, contractx.ErrValidation) {
		log.Warn().Err(err).Str("conversation", out.Key).Msg("send failed, buffering reply")
		return t.holdLocked(out)
	}
	if errors.Is(err, contractx.ErrTransport) || errors.Is(err, contractx.ErrCredential) {
		return err
	}
	return fmt.Errorf("%w: send conversation=%s: %v", contractx.ErrTransport, out.Key, err)
}

// flushLocked drains the outbox in order. An entry is dropped only after it was
// written. Callers hold writeMu.
func (t *Transport) flushLocked(ctx context.Context, ch Channel) error {
	for {
		t.mu.Lock()
		if len(t.outbox) == 0 {
			t.mu.Unlock()
			return nil
		}
		next := t.outbox[0]
		if next.BuyerID == "" {
			next.BuyerID = t.peers[next.Key]
		}
		t.mu.Unlock()

		if err := ch.Send(ctx, next); err != nil {
			if !errors.Is(err, contractx.ErrValidation) {
				return err
			}
			log.Error().Err(err).Str("conversation", next.Key).Msg("dropping undeliverable reply")
		}

		t.mu.Lock()
		t.outbox = t.outbox[1:]
		t.mu.Unlock()
	}
}

// Run connects and keeps the session alive until ctx is done.
func (t *Transport) Run(ctx context.Context) error {
	defer close(t.events)
	defer func() { t.Session().setStatus(StatusDisconnected) }()

	bo := t.newBackOff()
	cred, err := t.acquire(ctx, bo)
	if err != nil {
		return nil
	}
	t.Session().setCredential(cred)

	for ctx.Err() == nil {
		select {
		case supplied := <-t.supply:
			if supplied.Token != cred.Token {
				cred = supplied
				t.renew(cred)
			}
		default:
		}

		t.Session().setStatus(StatusConnecting)
		ch, err := t.dialer.Dial(ctx, cred)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, contractx.ErrCredential) {
				if cred, err = t.expire(ctx, bo, err); err != nil {
					return nil
				}
				continue
			}
			t.Session().setStatus(StatusDisconnected)
			wait := bo.NextBackOff()
			log.Warn().Err(err).Dur("retry_in", wait).Msg("transport dial failed")
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		bo.Reset()
		t.attach(ctx, ch)
		log.Info().Str("session", t.Session().ID).Msg("transport connected")

		stop := context.AfterFunc(ctx, func() { _ = ch.Close() })
		err = t.pump(ctx, ch)
		stop()
		t.detach()
		_ = ch.Close()

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, contractx.ErrCredential) {
			if cred, err = t.expire(ctx, bo, err); err != nil {
				return nil
			}
			continue
		}

		t.emit(ctx, Event{Type: EventDisconnected, Err: err, At: t.now()})
		wait := bo.NextBackOff()
		log.Warn().Err(err).Dur("retry_in", wait).Msg("transport disconnected")
		if !sleep(ctx, wait) {
			return nil
		}
	}
	return nil
}

func (t *Transport) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.cfg.InitialBackoff
	bo.MaxInterval = t.cfg.MaxBackoff
	bo.Multiplier = t.cfg.BackoffMultiplier
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (t *Transport) expire(ctx context.Context, bo backoff.BackOff, cause error) (contractx.Credential, error) {
	old := t.Session()
	old.setStatus(StatusExpired)
	log.Warn().Err(cause).Str("session", old.ID).Msg("credential rejected")
	t.emit(ctx, Event{Type: EventCredentialExpired, Err: cause, At: t.now()})

	cred, err := t.acquire(ctx, bo)
	if err != nil {
		return contractx.Credential{}, err
	}
	t.renew(cred)
	return cred, nil
}

// renew retires the current session and starts a new one for cred.
func (t *Transport) renew(cred contractx.Credential) {
	s := newSession(t.now())
	s.setCredential(cred)

	t.mu.Lock()
	prev := t.session
	t.session = s
	t.mu.Unlock()
	log.Info().Str("session", s.ID).Str("previous", prev.ID).Msg("session renewed")
}

// acquire obtains a usable credential, preferring one supplied out of band. When
// the supplier has nothing it waits for SupplyCredential or ctx.
func (t *Transport) acquire(ctx context.Context, bo backoff.BackOff) (contractx.Credential, error) {
	for {
		select {
		case cred := <-t.supply:
			return cred, nil
		default:
		}

		cred, err := t.supplier.Refresh(ctx)
		if err == nil && !cred.Valid() {
			err = fmt.Errorf("%w: supplier returned an empty credential", contractx.ErrCredentialUnavailable)
		}
		if err == nil {
			return cred, nil
		}
		if ctx.Err() != nil {
			return contractx.Credential{}, ctx.Err()
		}

		if errors.Is(err, contractx.ErrCredentialUnavailable) {
			t.Session().setStatus(StatusExpired)
			log.Error().Err(err).Msg("no credential available, waiting for one to be supplied")
			select {
			case <-ctx.Done():
				return contractx.Credential{}, ctx.Err()
			case cred := <-t.supply:
				return cred, nil
			}
		}

		wait := bo.NextBackOff()
		log.Warn().Err(err).Dur("retry_in", wait).Msg("credential refresh failed")
		if !sleep(ctx, wait) {
			return contractx.Credential{}, ctx.Err()
		}
	}
}

func (t *Transport) attach(ctx context.Context, ch Channel) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	t.ch = ch
	s := t.session
	t.mu.Unlock()
	s.setStatus(StatusConnected)

	t.mu.Lock()
	close(t.up)
	t.up = make(chan struct{})
	t.mu.Unlock()

	if err := t.flushLocked(ctx, ch); err != nil {
		log.Warn().Err(err).Int("pending", t.Pending()).Msg("flush after reconnect failed")
	}
}

func (t *Transport) detach() {
	t.mu.Lock()
	t.ch = nil
	s := t.session
	t.mu.Unlock()
	s.setStatus(StatusDisconnected)
}

func (t *Transport) pump(ctx context.Context, ch Channel) error {
	for {
		ev, err := ch.Receive(ctx)
		if err != nil {
			return err
		}
		if ev.At.IsZero() {
			ev.At = t.now()
		}
		t.mu.Lock()
		switch {
		case ev.Key != "" && ev.BuyerID != "":
			t.peers[ev.Key] = ev.BuyerID
			t.byBuyer[ev.BuyerID] = ev.Key
			if ev.Type == EventNewMessage && ev.Message.ID != "" {
				t.latest[ev.Key] = ev.Message.ID
			}
		case ev.Key == "" && ev.BuyerID != "":
			// order pushes only name the buyer
			ev.Key = t.byBuyer[ev.BuyerID]
		}
		t.mu.Unlock()
		if !t.emit(ctx, ev) {
			return ctx.Err()
		}
	}
}

func (t *Transport) emit(ctx context.Context, ev Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
