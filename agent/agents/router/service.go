package router

import (
	"context"
	"errors"
	"time"

	"github.com/cloudwego/eino/compose"

	"github.com/LeaveC/xianyubot/agent/agents/responder"
	contractx "github.com/LeaveC/xianyubot/agent/contract"
	nodex "github.com/LeaveC/xianyubot/agent/nodes"
	statex "github.com/LeaveC/xianyubot/agent/state"
)

var (
	ErrInvalidMessage = nodex.ErrInvalidMessage
	ErrInvalidKey     = nodex.ErrInvalidKey
)

type Config struct {
	ClassifierTimeout time.Duration `split_words:"true" default:"8s"`
	Collaborative     bool          `default:"false"`
	MaxConcurrency    int           `split_words:"true" default:"4"`
	Merge             string        `default:"price_first"`
	// Helpers maps an intent to helper responder names, e.g. negotiation:bargain.
	Helpers map[string]string `default:"negotiation:general"`
}

// Deps are the collaborators of a Router. Store, Classifier, Registry and
// Sender are required.
type Deps struct {
	Store      statex.ContextStore
	Snapshots  statex.SnapshotStore
	Classifier contractx.Classifier
	Registry   contractx.Registry
	Sender     contractx.Sender
	Escalator  contractx.Escalator
	Catalog    contractx.ItemCatalog
}

type Option func(*Router)

// WithHelpers sets the responders that run next to the primary one for label
// when collaborative mode is on.
func WithHelpers(label contractx.Intent, helpers ...contractx.Responder) Option {
	return func(r *Router) {
		r.helpers[label] = append(r.helpers[label], helpers...)
	}
}

func WithSafetyFilter(f *responder.SafetyFilter) Option {
	return func(r *Router) {
		r.filter = f
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// Outcome describes what a turn did.
type Outcome struct {
	Reply     string
	Label     contractx.Intent
	Degraded  bool
	Duplicate bool
	Escalated bool
	Delivered bool
}

// Turn is one inbound buyer message plus what the platform said about it.
type Turn struct {
	Key     string
	BuyerID string
	Message statex.Message
	Item    statex.Item
}

type Router struct {
	store      statex.ContextStore
	snapshots  statex.SnapshotStore
	classifier contractx.Classifier
	registry   contractx.Registry
	sender     contractx.Sender
	escalator  contractx.Escalator
	catalog    contractx.ItemCatalog
	filter     *responder.SafetyFilter

	classifierTimeout time.Duration
	helpers           map[contractx.Intent][]contractx.Responder
	collab            *nodex.Collaboration

	graphRunner compose.Runnable[nodex.GraphInput, nodex.GraphOutput]

	now func() time.Time
}

func New(deps Deps, cfg Config, opts ...Option) (*Router, error) {
	if deps.Store == nil {
		return nil, errors.New("context store is required")
	}
	if deps.Classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("responder registry is required")
	}
	if deps.Sender == nil {
		return nil, errors.New("sender is required")
	}
	if deps.Escalator == nil {
		deps.Escalator = LogEscalator{}
	}

	r := &Router{
		store:             deps.Store,
		snapshots:         deps.Snapshots,
		classifier:        deps.Classifier,
		registry:          deps.Registry,
		sender:            deps.Sender,
		escalator:         deps.Escalator,
		catalog:           deps.Catalog,
		filter:            responder.NewSafetyFilter(),
		classifierTimeout: cfg.ClassifierTimeout,
		helpers:           make(map[contractx.Intent][]contractx.Responder),
		now:               time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	if cfg.Collaborative {
		maxConcurrency := cfg.MaxConcurrency
		if maxConcurrency <= 0 {
			maxConcurrency = 4
		}
		collab, err := nodex.NewCollaboration(r.helpers, nodex.MergeRule(cfg.Merge), maxConcurrency)
		if err != nil {
			return nil, err
		}
		r.collab = collab
	}

	graphRunner, err := r.compileHandleTurnGraph(context.Background())
	if err != nil {
		return nil, err
	}
	r.graphRunner = graphRunner

	return r, nil
}

// Handle runs one turn for a message without platform metadata.
func (r *Router) Handle(ctx context.Context, key string, msg statex.Message) (Outcome, error) {
	return r.HandleTurn(ctx, Turn{Key: key, Message: msg})
}

// HandleTurn runs one inbound message through the graph. Errors are returned
// only for invalid input and store contract violations; responder trouble
// degrades the reply instead.
func (r *Router) HandleTurn(ctx context.Context, turn Turn) (Outcome, error) {
	out, err := r.graphRunner.Invoke(ctx, nodex.GraphInput{
		Key:     turn.Key,
		BuyerID: turn.BuyerID,
		Message: turn.Message,
		Item:    turn.Item,
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Reply:     out.Reply,
		Label:     out.Label,
		Degraded:  out.Degraded,
		Duplicate: out.Duplicate,
		Escalated: out.Escalated,
		Delivered: out.Delivered,
	}, nil
}
