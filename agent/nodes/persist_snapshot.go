package routernode

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
	statex "github.com/LeaveC/xianyubot/agent/state"
)

// PersistSnapshot saves the committed conversation. The reply is already out,
// so a failed save is logged instead of failing the turn.
func PersistSnapshot(ctx context.Context, in *GraphState, store statex.ContextStore, snapshots statex.SnapshotStore) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if snapshots == nil {
		return in, nil
	}

	conv, err := store.Get(in.Key)
	if err != nil {
		return nil, err
	}
	if err := snapshots.Save(ctx, &conv); err != nil {
		log.Warn().Err(err).Str("conversation", in.Key).Msg("snapshot save failed")
	}
	return in, nil
}
