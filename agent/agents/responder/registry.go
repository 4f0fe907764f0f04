package responder

import (
	"fmt"
	"sync"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
)

var _ contractx.Registry = (*Registry)(nil)

// Registry maps intent labels to responders. Labels without an entry, and
// always IntentOther, resolve to the general responder.
type Registry struct {
	mu       sync.RWMutex
	general  contractx.Responder
	byIntent map[contractx.Intent]contractx.Responder
}

func NewRegistry(general contractx.Responder) (*Registry, error) {
	if general == nil {
		return nil, fmt.Errorf("%w: general responder is required", contractx.ErrValidation)
	}
	return &Registry{
		general:  general,
		byIntent: make(map[contractx.Intent]contractx.Responder, len(contractx.Intents)),
	}, nil
}

func (r *Registry) Register(label contractx.Intent, resp contractx.Responder) error {
	if !label.Valid() {
		return fmt.Errorf("%w: unknown intent %q", contractx.ErrValidation, label)
	}
	if label == contractx.IntentOther {
		return fmt.Errorf("%w: %q always maps to the general responder", contractx.ErrValidation, label)
	}
	if resp == nil {
		return fmt.Errorf("%w: nil responder for %q", contractx.ErrValidation, label)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byIntent[label] = resp
	return nil
}

func (r *Registry) Lookup(label contractx.Intent) contractx.Responder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if resp, ok := r.byIntent[label]; ok {
		return resp
	}
	return r.general
}

func (r *Registry) General() contractx.Responder {
	return r.general
}
