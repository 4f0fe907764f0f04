package router

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/compose"

	nodex "github.com/LeaveC/xianyubot/agent/nodes"
)

func (r *Router) compileHandleTurnGraph(
	ctx context.Context,
) (compose.Runnable[nodex.GraphInput, nodex.GraphOutput], error) {
	graph := compose.NewGraph[nodex.GraphInput, nodex.GraphOutput]()

	if err := graph.AddLambdaNode("validate_inbound",
		compose.InvokableLambda(func(ctx context.Context, in nodex.GraphInput) (*nodex.GraphState, error) {
			return nodex.ValidateInbound(in, r.now)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node validate_inbound: %w", err)
	}

	if err := graph.AddLambdaNode("load_conversation",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.LoadConversation(ctx, in, r.store, r.snapshots, r.catalog)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node load_conversation: %w", err)
	}

	if err := graph.AddLambdaNode("append_inbound",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.AppendInbound(in, r.store)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node append_inbound: %w", err)
	}

	if err := graph.AddLambdaNode("classify_intent",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.ClassifyIntent(ctx, in, r.classifier, r.classifierTimeout)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node classify_intent: %w", err)
	}

	if err := graph.AddLambdaNode("dispatch_responder",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.DispatchResponder(ctx, in, r.registry, r.collab)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node dispatch_responder: %w", err)
	}

	if err := graph.AddLambdaNode("commit_reply",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.CommitReply(ctx, in, nodex.CommitDeps{
				Store:     r.store,
				Sender:    r.sender,
				Filter:    r.filter,
				Escalator: r.escalator,
			})
		}),
	); err != nil {
		return nil, fmt.Errorf("add node commit_reply: %w", err)
	}

	if err := graph.AddLambdaNode("persist_snapshot",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.PersistSnapshot(ctx, in, r.store, r.snapshots)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node persist_snapshot: %w", err)
	}

	if err := graph.AddLambdaNode("finalize_reply",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (nodex.GraphOutput, error) {
			return nodex.FinalizeReply(in)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node finalize_reply: %w", err)
	}

	edges := [][2]string{
		{compose.START, "validate_inbound"},
		{"validate_inbound", "load_conversation"},
		{"load_conversation", "append_inbound"},
		{"classify_intent", "dispatch_responder"},
		{"dispatch_responder", "commit_reply"},
		{"commit_reply", "persist_snapshot"},
		{"persist_snapshot", "finalize_reply"},
		{"finalize_reply", compose.END},
	}

	for _, edge := range edges {
		if err := graph.AddEdge(edge[0], edge[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", edge[0], edge[1], err)
		}
	}

	// redelivered messages skip straight to the output
	duplicate := compose.NewGraphBranch(
		func(ctx context.Context, in *nodex.GraphState) (string, error) {
			if in.Duplicate {
				return "finalize_reply", nil
			}
			return "classify_intent", nil
		},
		map[string]bool{"classify_intent": true, "finalize_reply": true},
	)
	if err := graph.AddBranch("append_inbound", duplicate); err != nil {
		return nil, fmt.Errorf("add branch append_inbound: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("router.handle_turn"))
	if err != nil {
		return nil, fmt.Errorf("compile router graph: %w", err)
	}
	return runner, nil
}
