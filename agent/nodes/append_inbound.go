package routernode

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
	statex "github.com/LeaveC/xianyubot/agent/state"
)

// LoadConversation makes sure the store holds everything known about the
// conversation before the inbound message is recorded: a persisted snapshot
// after a restart and the listing details of the item being discussed.
func LoadConversation(
	ctx context.Context,
	in *GraphState,
	store statex.ContextStore,
	snapshots statex.SnapshotStore,
	catalog contractx.ItemCatalog,
) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	conv, err := store.Get(in.Key)
	if err != nil {
		return nil, err
	}

	if len(conv.Messages) == 0 && snapshots != nil {
		restoreSnapshot(ctx, in.Key, store, snapshots)
		if conv, err = store.Get(in.Key); err != nil {
			return nil, err
		}
	}

	item := in.Item
	if item.ID == "" {
		item.ID = conv.Item.ID
	}
	if item.Price <= 0 && conv.Item.Price <= 0 && item.ID != "" && catalog != nil {
		listed, err := catalog.Item(ctx, item.ID)
		if err != nil {
			log.Warn().Err(err).Str("conversation", in.Key).Str("item", item.ID).Msg("item lookup failed")
		} else {
			if item.Title == "" {
				item.Title = listed.Title
			}
			item.Price = listed.Price
		}
	}

	if err := store.SetItem(in.Key, in.BuyerID, item); err != nil {
		return nil, err
	}
	return in, nil
}

func restoreSnapshot(ctx context.Context, key string, store statex.ContextStore, snapshots statex.SnapshotStore) {
	snap, err := snapshots.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, statex.ErrSnapshotNotFound) {
			log.Warn().Err(err).Str("conversation", key).Msg("snapshot load failed")
		}
		return
	}
	restored, err := store.Restore(*snap)
	if err != nil {
		log.Warn().Err(err).Str("conversation", key).Msg("snapshot rejected")
		return
	}
	if restored {
		log.Info().Str("conversation", key).Int("messages", len(snap.Messages)).Msg("conversation restored from snapshot")
	}
}

// AppendInbound records the buyer message. A redelivered message marks the
// turn as duplicate and nothing else happens for it.
func AppendInbound(in *GraphState, store statex.ContextStore) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	if err := store.Append(in.Key, in.Message); err != nil {
		if errors.Is(err, statex.ErrDuplicateMessage) {
			log.Info().Str("conversation", in.Key).Str("message", in.Message.ID).Msg("duplicate message dropped")
			in.Duplicate = true
			return in, nil
		}
		return nil, err
	}

	conv, err := store.Get(in.Key)
	if err != nil {
		return nil, err
	}
	in.Conversation = conv
	return in, nil
}
