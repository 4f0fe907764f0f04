package contract

import (
	"errors"

	statex "github.com/LeaveC/xianyubot/agent/state"
)

var (
	ErrTransport             = errors.New("transport failure")
	ErrNotConnected          = errors.New("transport not connected")
	ErrCredential            = errors.New("credential expired or rejected")
	ErrCredentialUnavailable = errors.New("credential unavailable")
	ErrClassification        = errors.New("intent classification failed")
	ErrResponder             = errors.New("responder failed")
	ErrNegotiationConstraint = errors.New("negotiation constraint violated")
	ErrModelTimeout          = errors.New("model call timed out")
	ErrModelProvider         = errors.New("model provider failed")
	ErrValidation            = errors.New("validation failed")

	ErrInvalidTransition = statex.ErrInvalidTransition
	ErrDuplicateMessage  = statex.ErrDuplicateMessage
)
