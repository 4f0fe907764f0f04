package router

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	statex "github.com/LeaveC/xianyubot/agent/state"
	"github.com/LeaveC/xianyubot/agent/transport"
)

// TurnHandler runs one buyer message.
type TurnHandler interface {
	HandleTurn(ctx context.Context, turn Turn) (Outcome, error)
}

// StageSetter applies platform order status changes.
type StageSetter interface {
	SetStage(key string, stage statex.Stage, reset bool) error
}

// Dispatcher feeds transport events to the router. Events for one
// conversation run in arrival order, one at a time; different conversations
// run concurrently. A queue's goroutine exits once its queue drains.
type Dispatcher struct {
	handler TurnHandler
	stages  StageSetter

	mu     sync.Mutex
	queues map[string][]transport.Event
	wg     sync.WaitGroup
}

func NewDispatcher(handler TurnHandler, stages StageSetter) (*Dispatcher, error) {
	if handler == nil || stages == nil {
		return nil, errors.New("dispatcher needs a turn handler and a stage setter")
	}
	return &Dispatcher{
		handler: handler,
		stages:  stages,
		queues:  make(map[string][]transport.Event, 64),
	}, nil
}

// Run consumes events until ctx is done or events is closed, then waits for
// queued turns to finish.
func (d *Dispatcher) Run(ctx context.Context, events <-chan transport.Event) error {
	defer d.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.Dispatch(ctx, ev)
		}
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev transport.Event) {
	switch ev.Type {
	case transport.EventDisconnected:
		log.Warn().Err(ev.Err).Msg("platform connection lost")
		return
	case transport.EventCredentialExpired:
		log.Warn().Err(ev.Err).Msg("platform credential expired")
		return
	case transport.EventNewMessage, transport.EventOrderStatus:
	default:
		log.Debug().Str("type", string(ev.Type)).Msg("event ignored")
		return
	}
	if ev.Key == "" {
		log.Debug().Str("type", string(ev.Type)).Str("buyer", ev.BuyerID).Msg("event without conversation dropped")
		return
	}

	d.mu.Lock()
	queue, active := d.queues[ev.Key]
	d.queues[ev.Key] = append(queue, ev)
	if !active {
		d.wg.Add(1)
		go d.drain(ctx, ev.Key)
	}
	d.mu.Unlock()
}

// Active reports how many conversations have queued or running events.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

func (d *Dispatcher) drain(ctx context.Context, key string) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		queue := d.queues[key]
		if len(queue) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		ev := queue[0]
		d.queues[key] = queue[1:]
		d.mu.Unlock()

		d.process(ctx, ev)
	}
}

func (d *Dispatcher) process(ctx context.Context, ev transport.Event) {
	logger := log.With().Str("conversation", ev.Key).Logger()

	if ev.Type == transport.EventOrderStatus {
		if err := d.stages.SetStage(ev.Key, ev.Stage, false); err != nil {
			logger.Warn().Err(err).Str("stage", string(ev.Stage)).Msg("order status not applied")
			return
		}
		logger.Info().Str("stage", string(ev.Stage)).Msg("order status applied")
		return
	}

	out, err := d.handler.HandleTurn(ctx, Turn{
		Key:     ev.Key,
		BuyerID: ev.BuyerID,
		Message: ev.Message,
		Item:    ev.Item,
	})
	if err != nil {
		logger.Error().Err(err).Msg("turn failed")
		return
	}
	if out.Duplicate {
		return
	}
	logger.Info().
		Str("intent", string(out.Label)).
		Bool("degraded", out.Degraded).
		Bool("delivered", out.Delivered).
		Msg("turn handled")
}
