package state

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Conversation is the per-buyer record the bot reasons over.
// - History: Messages, append-only, oldest first
// - Transaction: Stage (forward-only) + Negotiation lineage
type Conversation struct {
	// Identity
	Key     string `json:"key"`
	BuyerID string `json:"buyer_id,omitempty"`
	Item    Item   `json:"item"`

	Messages    []Message         `json:"messages,omitempty"`
	Stage       Stage             `json:"stage"`
	Negotiation *NegotiationState `json:"negotiation,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Item is the listing a conversation is about. Price is the listed price and
// serves as the negotiation reference price when known.
type Item struct {
	ID    string  `json:"id,omitempty"`
	Title string  `json:"title,omitempty"`
	Price float64 `json:"price,omitempty"`
}

type Role string

const (
	RoleBuyer Role = "buyer"
	RoleBot   Role = "bot"
)

type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Payload   *Payload  `json:"payload,omitempty"`
}

// Payload carries structured data detected in a message.
type Payload struct {
	Price *float64 `json:"price,omitempty"`
}

func (m Message) Price() (float64, bool) {
	if m.Payload == nil || m.Payload.Price == nil {
		return 0, false
	}
	return *m.Payload.Price, true
}

/* ------------------------------- Stage -------------------------------- */

type Stage string

const (
	StageBrowsing    Stage = "browsing"
	StageNegotiating Stage = "negotiating"
	StageAgreed      Stage = "agreed"
	StageFulfilling  Stage = "fulfilling"
	StageClosed      Stage = "closed"
)

var stageRank = map[Stage]int{
	StageBrowsing:    0,
	StageNegotiating: 1,
	StageAgreed:      2,
	StageFulfilling:  3,
	StageClosed:      4,
}

func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok
}

// Before reports whether s comes strictly earlier than other in the lifecycle.
func (s Stage) Before(other Stage) bool {
	return stageRank[s] < stageRank[other]
}

/* ---------------------------- Negotiation ----------------------------- */

type Direction string

const (
	DirectionBuyerAsk Direction = "buyer_ask"
	DirectionBotOffer Direction = "bot_offer"
)

type Outcome string

const (
	OutcomeOpen   Outcome = "open"
	OutcomeAgreed Outcome = "agreed"
	OutcomeClosed Outcome = "closed"
)

type Offer struct {
	Price     float64   `json:"price"`
	Direction Direction `json:"direction"`
	Round     int       `json:"round"`
	At        time.Time `json:"at"`
}

// NegotiationState is the price lineage of one conversation. ReferencePrice and
// Floor never change once the lineage exists.
type NegotiationState struct {
	ReferencePrice float64 `json:"reference_price"`
	Floor          float64 `json:"floor"`
	CurrentOffer   float64 `json:"current_offer"`
	Round          int     `json:"round"`
	History        []Offer `json:"history,omitempty"`

	Outcome        Outcome `json:"outcome"`
	AgreedPrice    float64 `json:"agreed_price,omitempty"`
	ClarifyPending bool    `json:"clarify_pending,omitempty"`
}

var (
	ErrInvalidKey         = errors.New("conversation key is empty")
	ErrInvalidMessage     = errors.New("message is invalid")
	ErrDuplicateMessage   = errors.New("message already recorded")
	ErrInvalidTransition  = errors.New("invalid stage transition")
	ErrInvalidNegotiation = errors.New("invalid negotiation state")
)

func NewNegotiationState(reference, floor float64) (*NegotiationState, error) {
	if reference <= 0 || math.IsNaN(reference) || math.IsInf(reference, 0) {
		return nil, fmt.Errorf("%w: reference price must be positive, got %v", ErrInvalidNegotiation, reference)
	}
	if floor <= 0 || floor > reference {
		return nil, fmt.Errorf("%w: floor %v outside (0, %v]", ErrInvalidNegotiation, floor, reference)
	}
	return &NegotiationState{
		ReferencePrice: reference,
		Floor:          floor,
		CurrentOffer:   reference,
		Outcome:        OutcomeOpen,
	}, nil
}

// Terminal reports whether the lineage accepts no further rounds.
func (n *NegotiationState) Terminal() bool {
	return n != nil && n.Outcome != OutcomeOpen
}

func (n *NegotiationState) LastBotOffer() (Offer, bool) {
	if n == nil {
		return Offer{}, false
	}
	for i := len(n.History) - 1; i >= 0; i-- {
		if n.History[i].Direction == DirectionBotOffer {
			return n.History[i], true
		}
	}
	return Offer{}, false
}

func (n *NegotiationState) Clone() *NegotiationState {
	if n == nil {
		return nil
	}
	out := *n
	if n.History != nil {
		out.History = append([]Offer(nil), n.History...)
	}
	return &out
}

// Validate checks the lineage invariants: the floor bounds every bot offer,
// bot offers never rise, and each bot offer consumed exactly one round.
func (n *NegotiationState) Validate() error {
	if n == nil {
		return nil
	}
	if n.Floor <= 0 || n.Floor > n.ReferencePrice {
		return fmt.Errorf("%w: floor %v outside (0, %v]", ErrInvalidNegotiation, n.Floor, n.ReferencePrice)
	}
	if n.CurrentOffer < n.Floor {
		return fmt.Errorf("%w: current offer %v below floor %v", ErrInvalidNegotiation, n.CurrentOffer, n.Floor)
	}
	if n.CurrentOffer > n.ReferencePrice {
		return fmt.Errorf("%w: current offer %v above reference %v", ErrInvalidNegotiation, n.CurrentOffer, n.ReferencePrice)
	}

	last := n.ReferencePrice
	botOffers := 0
	for _, o := range n.History {
		if o.Direction != DirectionBotOffer {
			continue
		}
		botOffers++
		if o.Price > last {
			return fmt.Errorf("%w: bot offer %v rose above %v", ErrInvalidNegotiation, o.Price, last)
		}
		if o.Price < n.Floor {
			return fmt.Errorf("%w: bot offer %v below floor %v", ErrInvalidNegotiation, o.Price, n.Floor)
		}
		last = o.Price
	}
	if botOffers != n.Round {
		return fmt.Errorf("%w: round=%d but %d bot offers recorded", ErrInvalidNegotiation, n.Round, botOffers)
	}
	return nil
}

/* --------------------------- Conversation ----------------------------- */

func NewConversation(key string, now time.Time) *Conversation {
	return &Conversation{
		Key:          key,
		Stage:        StageBrowsing,
		CreatedAt:    now.UTC(),
		LastActivity: now.UTC(),
	}
}

func (c *Conversation) Touch(now time.Time) {
	c.LastActivity = now.UTC()
}

// Clone returns a deep copy safe to hand outside the store.
func (c Conversation) Clone() Conversation {
	out := c
	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		for i, m := range c.Messages {
			out.Messages[i] = m.clone()
		}
	}
	out.Negotiation = c.Negotiation.Clone()
	return out
}

func (m Message) clone() Message {
	if m.Payload == nil {
		return m
	}
	p := *m.Payload
	if p.Price != nil {
		v := *p.Price
		p.Price = &v
	}
	m.Payload = &p
	return m
}

// LastBuyerMessage returns the most recent buyer message.
func (c Conversation) LastBuyerMessage() (Message, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleBuyer {
			return c.Messages[i], true
		}
	}
	return Message{}, false
}

// Recent returns at most n trailing messages.
func (c Conversation) Recent(n int) []Message {
	if n <= 0 || len(c.Messages) <= n {
		return c.Messages
	}
	return c.Messages[len(c.Messages)-n:]
}

// Transcript renders messages as "role: text" lines.
func Transcript(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Conversation) Validate() error {
	if c == nil {
		return ErrInvalidKey
	}
	if strings.TrimSpace(c.Key) == "" {
		return ErrInvalidKey
	}
	if !c.Stage.Valid() {
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidTransition, c.Stage)
	}
	for i := 1; i < len(c.Messages); i++ {
		if c.Messages[i].Timestamp.Before(c.Messages[i-1].Timestamp) {
			return fmt.Errorf("%w: message %s out of order", ErrInvalidMessage, c.Messages[i].ID)
		}
	}
	return c.Negotiation.Validate()
}

func validateMessage(m Message) error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: id is empty", ErrInvalidMessage)
	}
	if m.Role != RoleBuyer && m.Role != RoleBot {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, m.Role)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is zero", ErrInvalidMessage)
	}
	return nil
}
