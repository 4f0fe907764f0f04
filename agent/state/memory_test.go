package state

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func buyerMessage(id, text string, at time.Time) Message {
	return Message{ID: id, Role: RoleBuyer, Text: text, Timestamp: at}
}

func TestMemoryStoreGetCreatesOnFirstAccess(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	conv, err := store.Get("chat-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if conv.Key != "chat-1" || conv.Stage != StageBrowsing {
		t.Fatalf("Get() = %+v, want fresh browsing conversation", conv)
	}
	if len(conv.Messages) != 0 || conv.Negotiation != nil {
		t.Fatalf("Get() returned non-empty conversation: %+v", conv)
	}
	if store.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryStoreGetEmptyKey(t *testing.T) {
	t.Parallel()

	_, err := NewMemoryStore().Get("  ")
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Get() error = %v, want ErrInvalidKey", err)
	}
}

func TestMemoryStoreAppendRejectsDuplicateID(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	now := time.Now()
	if err := store.Append("chat-1", buyerMessage("m1", "hi", now)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	err := store.Append("chat-1", buyerMessage("m1", "hi", now))
	if !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("Append() error = %v, want ErrDuplicateMessage", err)
	}

	conv, _ := store.Get("chat-1")
	if len(conv.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(conv.Messages))
	}
}

func TestMemoryStoreAppendKeepsOrder(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	base := time.Now()
	_ = store.Append("chat-1", buyerMessage("m1", "first", base))
	_ = store.Append("chat-1", buyerMessage("m2", "second", base.Add(-time.Minute)))

	conv, _ := store.Get("chat-1")
	if conv.Messages[0].ID != "m1" || conv.Messages[1].ID != "m2" {
		t.Fatalf("order = %s,%s, want m1,m2", conv.Messages[0].ID, conv.Messages[1].ID)
	}
	if conv.Messages[1].Timestamp.Before(conv.Messages[0].Timestamp) {
		t.Fatalf("timestamps out of order: %v < %v", conv.Messages[1].Timestamp, conv.Messages[0].Timestamp)
	}
}

func TestMemoryStoreAppendValidates(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	err := store.Append("chat-1", Message{Role: RoleBuyer, Text: "x", Timestamp: time.Now()})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("Append() error = %v, want ErrInvalidMessage", err)
	}
}

func TestMemoryStoreMaxHistory(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(WithMaxHistory(3))
	now := time.Now()
	for i := 0; i < 5; i++ {
		if err := store.Append("chat-1", buyerMessage(fmt.Sprintf("m%d", i), "x", now)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	conv, _ := store.Get("chat-1")
	if len(conv.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(conv.Messages))
	}
	if conv.Messages[0].ID != "m2" {
		t.Fatalf("oldest kept = %s, want m2", conv.Messages[0].ID)
	}
}

func TestMemoryStoreSnapshotIsolation(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	price := 50.0
	_ = store.Append("chat-1", Message{ID: "m1", Role: RoleBuyer, Text: "50?", Timestamp: time.Now(), Payload: &Payload{Price: &price}})

	conv, _ := store.Get("chat-1")
	*conv.Messages[0].Payload.Price = 1
	conv.Messages[0].Text = "mutated"

	again, _ := store.Get("chat-1")
	if got, _ := again.Messages[0].Price(); got != 50 {
		t.Fatalf("stored price = %v, want 50", got)
	}
	if again.Messages[0].Text != "50?" {
		t.Fatalf("stored text = %q, want %q", again.Messages[0].Text, "50?")
	}
}

func TestMemoryStoreSetStage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    Stage
		to      Stage
		reset   bool
		wantErr bool
	}{
		{name: "forward", from: StageBrowsing, to: StageNegotiating},
		{name: "forward jump", from: StageBrowsing, to: StageAgreed},
		{name: "same stage", from: StageAgreed, to: StageAgreed},
		{name: "backward", from: StageAgreed, to: StageNegotiating, wantErr: true},
		{name: "backward with reset", from: StageClosed, to: StageBrowsing, reset: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := NewMemoryStore()
			if err := store.SetStage("chat", tc.from, false); err != nil {
				t.Fatalf("seed SetStage() error = %v", err)
			}
			err := store.SetStage("chat", tc.to, tc.reset)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("SetStage() error = %v, want ErrInvalidTransition", err)
				}
				conv, _ := store.Get("chat")
				if conv.Stage != tc.from {
					t.Fatalf("stage = %s, want unchanged %s", conv.Stage, tc.from)
				}
				return
			}
			if err != nil {
				t.Fatalf("SetStage() error = %v", err)
			}
			conv, _ := store.Get("chat")
			if conv.Stage != tc.to {
				t.Fatalf("stage = %s, want %s", conv.Stage, tc.to)
			}
		})
	}
}

func TestMemoryStoreSetNegotiationImmutableBounds(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	first, _ := NewNegotiationState(100, 80)
	if err := store.SetNegotiation("chat", first); err != nil {
		t.Fatalf("SetNegotiation() error = %v", err)
	}

	other, _ := NewNegotiationState(120, 80)
	if err := store.SetNegotiation("chat", other); !errors.Is(err, ErrInvalidNegotiation) {
		t.Fatalf("SetNegotiation() error = %v, want ErrInvalidNegotiation", err)
	}

	next := first.Clone()
	next.CurrentOffer = 95
	next.Round = 1
	next.History = append(next.History, Offer{Price: 95, Direction: DirectionBotOffer, Round: 1})
	if err := store.SetNegotiation("chat", next); err != nil {
		t.Fatalf("SetNegotiation() error = %v", err)
	}

	conv, _ := store.Get("chat")
	if conv.Negotiation.CurrentOffer != 95 {
		t.Fatalf("current offer = %v, want 95", conv.Negotiation.CurrentOffer)
	}
}

func TestMemoryStoreSetNegotiationRejectsBrokenLineage(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	n, _ := NewNegotiationState(100, 80)
	n.CurrentOffer = 70
	if err := store.SetNegotiation("chat", n); !errors.Is(err, ErrInvalidNegotiation) {
		t.Fatalf("SetNegotiation() error = %v, want ErrInvalidNegotiation", err)
	}
}

func TestMemoryStoreSweepEvictsIdle(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(WithIdleTimeout(time.Minute), WithClock(clock.Now))

	_ = store.Append("idle", buyerMessage("m1", "hi", clock.Now()))
	clock.Advance(50 * time.Second)
	_ = store.Append("active", buyerMessage("m2", "hi", clock.Now()))
	clock.Advance(20 * time.Second)

	evicted := store.Sweep()
	if len(evicted) != 1 || evicted[0].Key != "idle" {
		t.Fatalf("Sweep() = %+v, want only idle", evicted)
	}
	if store.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", store.Len())
	}

	conv, _ := store.Get("idle")
	if len(conv.Messages) != 0 {
		t.Fatalf("re-created conversation has %d messages, want 0", len(conv.Messages))
	}
}

func TestMemoryStoreEvictionKeepsLineage(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(WithIdleTimeout(time.Minute), WithRetention(time.Hour), WithClock(clock.Now))

	n, _ := NewNegotiationState(100, 80)
	n.Round, n.CurrentOffer = 1, 95
	n.History = []Offer{{Price: 95, Direction: DirectionBotOffer, Round: 1, At: clock.Now()}}
	_ = store.Append("chat-1", buyerMessage("m1", "80", clock.Now()))
	_ = store.SetItem("chat-1", "buyer-1", Item{ID: "i-1", Price: 100})
	_ = store.SetStage("chat-1", StageAgreed, false)
	if err := store.SetNegotiation("chat-1", n); err != nil {
		t.Fatalf("SetNegotiation() error = %v", err)
	}

	clock.Advance(2 * time.Minute)
	if evicted := store.Sweep(); len(evicted) != 1 {
		t.Fatalf("Sweep() evicted %d, want 1", len(evicted))
	}

	conv, _ := store.Get("chat-1")
	if len(conv.Messages) != 0 {
		t.Fatalf("messages = %d, want history dropped", len(conv.Messages))
	}
	if conv.Stage != StageAgreed || conv.BuyerID != "buyer-1" || conv.Item.Price != 100 {
		t.Fatalf("conversation = %+v, want stage and item kept", conv)
	}
	if conv.Negotiation == nil || conv.Negotiation.Round != 1 || conv.Negotiation.CurrentOffer != 95 {
		t.Fatalf("lineage = %+v, want round 1 at 95", conv.Negotiation)
	}
	if err := store.Append("chat-1", buyerMessage("m1", "80", clock.Now())); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("Append(redelivered) error = %v, want ErrDuplicateMessage", err)
	}
}

func TestMemoryStoreRetentionExpires(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(WithIdleTimeout(time.Minute), WithRetention(time.Hour), WithClock(clock.Now))

	_ = store.Append("chat-1", buyerMessage("m1", "hi", clock.Now()))
	_ = store.SetStage("chat-1", StageNegotiating, false)
	clock.Advance(2 * time.Minute)
	store.Sweep()
	clock.Advance(2 * time.Hour)
	store.Sweep()

	conv, _ := store.Get("chat-1")
	if conv.Stage != StageBrowsing {
		t.Fatalf("stage = %s, want browsing after retention", conv.Stage)
	}
}

func TestMemoryStoreRestore(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	snap := NewConversation("chat", time.Now())
	snap.Messages = []Message{buyerMessage("m1", "hi", time.Now())}
	snap.Stage = StageNegotiating

	ok, err := store.Restore(*snap)
	if err != nil || !ok {
		t.Fatalf("Restore() = %v, %v; want true, nil", ok, err)
	}
	if err := store.Append("chat", buyerMessage("m1", "hi", time.Now())); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("Append() error = %v, want ErrDuplicateMessage", err)
	}

	ok, err = store.Restore(*snap)
	if err != nil || ok {
		t.Fatalf("second Restore() = %v, %v; want false, nil", ok, err)
	}
}

func TestMemoryStoreConcurrentAppendSameKey(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(WithMaxHistory(1000))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.Append("chat", buyerMessage(fmt.Sprintf("m%d", i), "x", time.Now()))
		}(i)
	}
	wg.Wait()

	conv, _ := store.Get("chat")
	if len(conv.Messages) != 50 {
		t.Fatalf("messages = %d, want 50", len(conv.Messages))
	}
	if err := conv.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestMemoryStoreSweepRacesWithAppend(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now()}
	store := NewMemoryStore(WithIdleTimeout(time.Nanosecond), WithClock(clock.Now))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			clock.Advance(time.Millisecond)
			_ = store.Append("chat", buyerMessage(fmt.Sprintf("m%d", i), "x", clock.Now()))
		}(i)
		go func() {
			defer wg.Done()
			store.Sweep()
		}()
	}
	wg.Wait()

	if _, err := store.Get("chat"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
}
