package routernode

import (
	"fmt"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
)

func FinalizeReply(in *GraphState) (GraphOutput, error) {
	if in == nil {
		return GraphOutput{}, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if in.Duplicate {
		return GraphOutput{Duplicate: true}, nil
	}
	return GraphOutput{
		Reply:     in.Reply.Text,
		Label:     in.Label.Label,
		Degraded:  in.Degraded,
		Escalated: in.Escalated,
		Delivered: in.Delivered,
	}, nil
}
