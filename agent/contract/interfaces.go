package contract

import (
	"context"

	statex "github.com/LeaveC/xianyubot/agent/state"
)

type Classifier interface {
	Classify(ctx context.Context, key string, msg statex.Message, conv statex.Conversation) (Classification, error)
}

type Responder interface {
	Reply(ctx context.Context, key string, conv statex.Conversation) (Reply, error)
}

type Registry interface {
	// Lookup never returns nil: unknown labels resolve to the general responder.
	Lookup(label Intent) Responder
	General() Responder
}

type Sender interface {
	Send(ctx context.Context, key string, text string) error
}

type Escalator interface {
	Escalate(ctx context.Context, e Escalation) error
}

// Completer is the language-model capability. Implementations report
// ErrModelTimeout or ErrModelProvider.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// CredentialSupplier hands out fresh credentials. It returns
// ErrCredentialUnavailable when none can be produced without outside help.
type CredentialSupplier interface {
	Refresh(ctx context.Context) (Credential, error)
}

// ItemCatalog resolves listing details such as the listed price.
type ItemCatalog interface {
	Item(ctx context.Context, itemID string) (statex.Item, error)
}
