package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	openaisdk "github.com/openai/openai-go"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
	statex "github.com/LeaveC/xianyubot/agent/state"
	openrouterx "github.com/LeaveC/xianyubot/pkg/openrouter"
)

// NewCompleter builds the model capability for a role using the configured provider.
func NewCompleter(ctx context.Context, cfg Config, role Role) (contractx.Completer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	orCfg := cfg.OpenRouterFor(role)

	switch cfg.Provider {
	case ProviderOpenAI:
		client := openrouterx.NewClient(orCfg)
		if client == nil {
			return nil, fmt.Errorf("%w: openai client for role=%s", contractx.ErrValidation, role)
		}
		return NewOpenAICompleter(client, orCfg.Model, orCfg.Temperature, cfg.MaxCompletionToken, cfg.Timeout), nil
	default:
		chatModel, err := openrouterx.ChatModel(ctx, orCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: create %s model: %v", contractx.ErrModelProvider, role, err)
		}
		return NewEinoCompleter(ctx, chatModel, orCfg.Temperature, cfg.Timeout)
	}
}

/* ------------------------------- eino -------------------------------- */

type EinoCompleter struct {
	runner      compose.Runnable[[]*schema.Message, *schema.Message]
	temperature float32
	timeout     time.Duration
}

func NewEinoCompleter(
	ctx context.Context,
	chatModel einomodel.BaseChatModel,
	temperature float32,
	timeout time.Duration,
) (*EinoCompleter, error) {
	graph := compose.NewGraph[[]*schema.Message, *schema.Message]()
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add completion model node: %w", err)
	}
	if err := graph.AddEdge(compose.START, "model"); err != nil {
		return nil, fmt.Errorf("add completion edge start->model: %w", err)
	}
	if err := graph.AddEdge("model", compose.END); err != nil {
		return nil, fmt.Errorf("add completion edge model->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("llm.completion_graph"))
	if err != nil {
		return nil, fmt.Errorf("compile completion graph: %w", err)
	}
	return &EinoCompleter{runner: runner, temperature: temperature, timeout: timeout}, nil
}

func (c *EinoCompleter) Complete(ctx context.Context, p contractx.Prompt) (string, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	temp := c.temperature
	if p.Temperature != nil {
		temp = *p.Temperature
	}

	out, err := c.runner.Invoke(ctx, toSchemaMessages(p),
		compose.WithChatModelOption(einomodel.WithTemperature(temp)),
	)
	if err != nil {
		return "", classifyErr(ctx, err)
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return "", fmt.Errorf("%w: empty completion", contractx.ErrModelProvider)
	}
	return strings.TrimSpace(out.Content), nil
}

func toSchemaMessages(p contractx.Prompt) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(p.History)+2)
	if s := strings.TrimSpace(p.System); s != "" {
		msgs = append(msgs, schema.SystemMessage(s))
	}
	for _, m := range p.History {
		switch m.Role {
		case statex.RoleBot:
			msgs = append(msgs, schema.AssistantMessage(m.Text, nil))
		default:
			msgs = append(msgs, schema.UserMessage(m.Text))
		}
	}
	if u := strings.TrimSpace(p.User); u != "" {
		msgs = append(msgs, schema.UserMessage(u))
	}
	return msgs
}

/* ------------------------------ openai ------------------------------- */

type OpenAICompleter struct {
	client      *openaisdk.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
}

func NewOpenAICompleter(client *openaisdk.Client, model string, temperature float32, maxTokens int, timeout time.Duration) *OpenAICompleter {
	return &OpenAICompleter{
		client:      client,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		timeout:     timeout,
	}
}

func (c *OpenAICompleter) Complete(ctx context.Context, p contractx.Prompt) (string, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	temp := c.temperature
	if p.Temperature != nil {
		temp = *p.Temperature
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:       openaisdk.ChatModel(c.model),
		Messages:    toOpenAIMessages(p),
		Temperature: openaisdk.Float(float64(temp)),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(c.maxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyErr(ctx, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", contractx.ErrModelProvider)
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty completion", contractx.ErrModelProvider)
	}
	return content, nil
}

func toOpenAIMessages(p contractx.Prompt) []openaisdk.ChatCompletionMessageParamUnion {
	msgs := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(p.History)+2)
	if s := strings.TrimSpace(p.System); s != "" {
		msgs = append(msgs, openaisdk.SystemMessage(s))
	}
	for _, m := range p.History {
		switch m.Role {
		case statex.RoleBot:
			msgs = append(msgs, openaisdk.AssistantMessage(m.Text))
		default:
			msgs = append(msgs, openaisdk.UserMessage(m.Text))
		}
	}
	if u := strings.TrimSpace(p.User); u != "" {
		msgs = append(msgs, openaisdk.UserMessage(u))
	}
	return msgs
}

/* ------------------------------ shared ------------------------------- */

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func classifyErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", contractx.ErrModelTimeout, err)
	}
	return fmt.Errorf("%w: %v", contractx.ErrModelProvider, err)
}
