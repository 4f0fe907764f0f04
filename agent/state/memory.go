package state

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultIdleTimeout   = 2 * time.Hour
	defaultSweepInterval = time.Minute
	defaultMaxHistory    = 100
	defaultRetention     = 30 * 24 * time.Hour
)

// ContextStore is the contract the router and responders rely on.
type ContextStore interface {
	Get(key string) (Conversation, error)
	Append(key string, m Message) error
	SetStage(key string, stage Stage, reset bool) error
	SetNegotiation(key string, n *NegotiationState) error
	SetItem(key string, buyerID string, item Item) error
	Restore(conv Conversation) (bool, error)
}

// Archiver receives conversations removed by the idle sweep.
type Archiver interface {
	Archive(ctx context.Context, conv Conversation) error
}

type MemoryOption func(*MemoryStore)

func WithIdleTimeout(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

func WithSweepInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithMaxHistory bounds retained messages per conversation; oldest are dropped.
func WithMaxHistory(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

// WithRetention sets how long the lineage, stage and seen ids of an evicted
// conversation are kept for when the buyer comes back.
func WithRetention(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

func WithArchiver(a Archiver) MemoryOption {
	return func(s *MemoryStore) {
		s.archiver = a
	}
}

func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

var _ ContextStore = (*MemoryStore)(nil)

// MemoryStore keeps conversations in process memory. Each key has its own
// lock; the map lock only guards lookup, insert and delete of entries.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	retired map[string]retired

	idleTimeout   time.Duration
	sweepInterval time.Duration
	maxHistory    int
	retention     time.Duration
	archiver      Archiver
	now           func() time.Time
}

type entry struct {
	mu      sync.Mutex
	conv    *Conversation
	seen    map[string]struct{}
	seenLog []string
	evicted bool
}

// retired is what outlives eviction: a returning buyer continues the same
// lineage and stage, and redelivered ids are still recognised.
type retired struct {
	buyerID     string
	item        Item
	stage       Stage
	negotiation *NegotiationState
	seenLog     []string
	at          time.Time
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:       make(map[string]*entry, 64),
		retired:       make(map[string]retired),
		idleTimeout:   defaultIdleTimeout,
		sweepInterval: defaultSweepInterval,
		maxHistory:    defaultMaxHistory,
		retention:     defaultRetention,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryStore) lookup(key string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry{
			conv: NewConversation(key, s.now()),
			seen: make(map[string]struct{}, 16),
		}
		if r, ok := s.retired[key]; ok {
			delete(s.retired, key)
			e.conv.BuyerID = r.buyerID
			e.conv.Item = r.item
			e.conv.Stage = r.stage
			e.conv.Negotiation = r.negotiation
			for _, id := range r.seenLog {
				s.remember(e, id)
			}
		}
		s.entries[key] = e
	}
	return e
}

// with runs fn while holding the entry lock. An entry evicted between lookup
// and lock is abandoned and a fresh one is created.
func (s *MemoryStore) with(key string, fn func(e *entry) error) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	for {
		e := s.lookup(key)
		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		err := fn(e)
		e.mu.Unlock()
		return err
	}
}

// Get returns a snapshot of the conversation, creating it on first access.
func (s *MemoryStore) Get(key string) (Conversation, error) {
	var out Conversation
	err := s.with(key, func(e *entry) error {
		out = e.conv.Clone()
		return nil
	})
	return out, err
}

// Append records a message. A message id seen before yields ErrDuplicateMessage.
func (s *MemoryStore) Append(key string, m Message) error {
	if err := validateMessage(m); err != nil {
		return err
	}
	return s.with(key, func(e *entry) error {
		if _, dup := e.seen[m.ID]; dup {
			return fmt.Errorf("%w: id=%s", ErrDuplicateMessage, m.ID)
		}

		conv := e.conv
		m = m.clone()
		m.Timestamp = m.Timestamp.UTC()
		if n := len(conv.Messages); n > 0 && m.Timestamp.Before(conv.Messages[n-1].Timestamp) {
			m.Timestamp = conv.Messages[n-1].Timestamp
		}
		conv.Messages = append(conv.Messages, m)
		if over := len(conv.Messages) - s.maxHistory; over > 0 {
			conv.Messages = append([]Message(nil), conv.Messages[over:]...)
		}

		s.remember(e, m.ID)
		conv.Touch(s.now())
		return nil
	})
}

func (s *MemoryStore) remember(e *entry, id string) {
	e.seen[id] = struct{}{}
	e.seenLog = append(e.seenLog, id)
	limit := s.maxHistory * 4
	if over := len(e.seenLog) - limit; over > 0 {
		for _, old := range e.seenLog[:over] {
			delete(e.seen, old)
		}
		e.seenLog = append([]string(nil), e.seenLog[over:]...)
	}
}

// SetStage moves the transaction stage forward. Moving backwards requires reset.
func (s *MemoryStore) SetStage(key string, stage Stage, reset bool) error {
	if !stage.Valid() {
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidTransition, stage)
	}
	return s.with(key, func(e *entry) error {
		cur := e.conv.Stage
		if stage.Before(cur) && !reset {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, stage)
		}
		e.conv.Stage = stage
		e.conv.Touch(s.now())
		return nil
	})
}

// SetNegotiation stores the lineage. Reference price and floor are fixed by
// the first lineage stored for a conversation.
func (s *MemoryStore) SetNegotiation(key string, n *NegotiationState) error {
	if n == nil {
		return fmt.Errorf("%w: nil lineage", ErrInvalidNegotiation)
	}
	if err := n.Validate(); err != nil {
		return err
	}
	return s.with(key, func(e *entry) error {
		if prev := e.conv.Negotiation; prev != nil {
			if prev.ReferencePrice != n.ReferencePrice || prev.Floor != n.Floor {
				return fmt.Errorf("%w: reference/floor are immutable", ErrInvalidNegotiation)
			}
			if n.Round < prev.Round {
				return fmt.Errorf("%w: round went back from %d to %d", ErrInvalidNegotiation, prev.Round, n.Round)
			}
		}
		e.conv.Negotiation = n.Clone()
		e.conv.Touch(s.now())
		return nil
	})
}

// SetItem fills in listing details. Empty fields leave existing values alone.
func (s *MemoryStore) SetItem(key string, buyerID string, item Item) error {
	return s.with(key, func(e *entry) error {
		if v := strings.TrimSpace(buyerID); v != "" {
			e.conv.BuyerID = v
		}
		if v := strings.TrimSpace(item.ID); v != "" {
			e.conv.Item.ID = v
		}
		if v := strings.TrimSpace(item.Title); v != "" {
			e.conv.Item.Title = v
		}
		if item.Price > 0 {
			e.conv.Item.Price = item.Price
		}
		return nil
	})
}

// Restore seeds an entry from a persisted snapshot. It only applies when the
// in-memory conversation has no messages yet.
func (s *MemoryStore) Restore(conv Conversation) (bool, error) {
	if err := conv.Validate(); err != nil {
		return false, err
	}
	restored := false
	err := s.with(conv.Key, func(e *entry) error {
		if len(e.conv.Messages) > 0 {
			return nil
		}
		c := conv.Clone()
		if over := len(c.Messages) - s.maxHistory; over > 0 {
			c.Messages = c.Messages[over:]
		}
		e.conv = &c
		e.seen = make(map[string]struct{}, len(c.Messages))
		e.seenLog = e.seenLog[:0]
		for _, m := range c.Messages {
			s.remember(e, m.ID)
		}
		restored = true
		return nil
	})
	return restored, err
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes conversations idle longer than the idle timeout and returns
// snapshots of what it removed. Their lineage, stage and seen ids stay behind
// for the retention period.
func (s *MemoryStore) Sweep() []Conversation {
	now := s.now()

	s.mu.Lock()
	candidates := make(map[string]*entry, len(s.entries))
	for k, e := range s.entries {
		candidates[k] = e
	}
	for k, r := range s.retired {
		if now.Sub(r.at) > s.retention {
			delete(s.retired, k)
		}
	}
	s.mu.Unlock()

	var evicted []Conversation
	for key, e := range candidates {
		e.mu.Lock()
		if e.evicted || now.Sub(e.conv.LastActivity) <= s.idleTimeout {
			e.mu.Unlock()
			continue
		}
		e.evicted = true
		snapshot := e.conv.Clone()
		r := retired{
			buyerID:     snapshot.BuyerID,
			item:        snapshot.Item,
			stage:       snapshot.Stage,
			negotiation: snapshot.Negotiation.Clone(),
			seenLog:     append([]string(nil), e.seenLog...),
			at:          now,
		}
		e.mu.Unlock()

		s.mu.Lock()
		if s.entries[key] == e {
			delete(s.entries, key)
			s.retired[key] = r
		}
		s.mu.Unlock()

		evicted = append(evicted, snapshot)
	}
	return evicted
}

// Run sweeps on every tick until ctx is done.
func (s *MemoryStore) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, conv := range s.Sweep() {
				log.Debug().Str("conversation", conv.Key).Int("messages", len(conv.Messages)).Msg("conversation evicted")
				if s.archiver == nil {
					continue
				}
				if err := s.archiver.Archive(ctx, conv); err != nil {
					log.Warn().Err(err).Str("conversation", conv.Key).Msg("archive evicted conversation")
				}
			}
		}
	}
}
