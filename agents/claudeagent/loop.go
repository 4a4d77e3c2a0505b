/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package claudeagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"chainguard.dev/prloop/retry"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func tracer() oteltrace.Tracer {
	return otel.Tracer("chainguard.dev/prloop/agents/claudeagent")
}

// ErrNoResult is returned when the model stops or runs out of turns without
// calling the submit tool.
var ErrNoResult = errors.New("model did not submit a result")

// Messenger sends one request to the model and returns the complete reply.
type Messenger interface {
	Message(ctx context.Context, params anthropic.MessageNewParams) (anthropic.Message, error)
}

type streamingMessenger struct {
	client anthropic.Client
}

// Message streams the reply and accumulates it into a single message.
func (m streamingMessenger) Message(ctx context.Context, params anthropic.MessageNewParams) (anthropic.Message, error) {
	stream := m.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var msg anthropic.Message
	for stream.Next() {
		if err := msg.Accumulate(stream.Current()); err != nil {
			return msg, fmt.Errorf("failed to accumulate event: %w", err)
		}
	}
	return msg, stream.Err()
}

// session carries the submitted result of one conversation.
type session[Resp any] struct {
	result Resp
	done   bool
}

// handler executes one tool call. A non-nil "error" key in the reply is
// shown to the model, which may retry.
type handler[Resp any] func(ctx context.Context, toolUse anthropic.ToolUseBlock, s *session[Resp]) map[string]any

type tool[Resp any] struct {
	definition anthropic.ToolParam
	handler    handler[Resp]
}

// converse runs the tool loop until the submit tool is called.
func converse[Resp any](ctx context.Context, a *Agent, system, prompt string, tools map[string]tool[Resp]) (_ Resp, err error) {
	ctx, span := tracer().Start(ctx, "agent.conversation", oteltrace.WithAttributes(
		attribute.String("model", a.model),
		attribute.Int("prompt_length", len(prompt)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := clog.FromContext(ctx)
	var (
		s                   session[Resp]
		inTokens, outTokens int64
	)

	toolDefs := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, name := range sortedKeys(tools) {
		def := tools[name].definition
		toolDefs = append(toolDefs, anthropic.ToolUnionParam{OfTool: &def})
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   a.maxTokens,
		Temperature: anthropic.Float(a.temperature),
		System:      []anthropic.TextBlockParam{{Text: system}},
		Tools:       toolDefs,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	log.With("prompt_length", len(prompt)).
		With("tools", len(tools)).
		Info("Starting Claude conversation")

	for turn := 1; turn <= a.maxTurns; turn++ {
		message, err := retry.Do(ctx, a.retryConfig, "stream_message", isRetryableClaudeError, func() (anthropic.Message, error) {
			return a.messenger.Message(ctx, params)
		})
		if err != nil {
			return s.result, fmt.Errorf("failed to stream Claude response: %w", err)
		}

		if message.Usage.InputTokens > 0 || message.Usage.OutputTokens > 0 {
			a.genai.RecordTokens(ctx, a.model, message.Usage.InputTokens, message.Usage.OutputTokens)
			inTokens += message.Usage.InputTokens
			outTokens += message.Usage.OutputTokens
			span.SetAttributes(
				attribute.Int("turns", turn),
				attribute.Int64("tokens.input", inTokens),
				attribute.Int64("tokens.output", outTokens),
			)
		}

		var toolUses []anthropic.ToolUseBlock
		for _, content := range message.Content {
			if content.Type == "tool_use" {
				toolUses = append(toolUses, anthropic.ToolUseBlock{
					ID:    content.ID,
					Name:  content.Name,
					Input: content.Input,
				})
			}
		}
		params.Messages = append(params.Messages, message.ToParam())

		if len(toolUses) == 0 {
			log.With("turn", turn).
				With("stop_reason", string(message.StopReason)).
				Warn("Model replied without calling a tool, nudging")
			params.Messages = append(params.Messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock("Continue working with the tools. Call "+submitToolName+" when you are done."),
			))
			continue
		}

		results := make([]anthropic.ContentBlockParamUnion, 0, len(toolUses))
		for _, toolUse := range toolUses {
			a.genai.RecordToolCall(ctx, a.model, toolUse.Name)
			log.With("tool", toolUse.Name).With("id", toolUse.ID).Info("Executing tool call")

			toolCtx, toolSpan := tracer().Start(ctx, "agent.tool_call", oteltrace.WithAttributes(
				attribute.String("tool.name", toolUse.Name),
				attribute.String("tool.id", toolUse.ID),
			))
			var reply map[string]any
			if t, ok := tools[toolUse.Name]; ok {
				reply = t.handler(toolCtx, toolUse, &s)
			} else {
				log.With("tool", toolUse.Name).Error("Unknown tool requested")
				reply = toolError("unknown tool: %q", toolUse.Name)
			}
			if msg, ok := reply["error"].(string); ok {
				toolSpan.SetStatus(codes.Error, msg)
			}
			toolSpan.End()

			body, err := json.Marshal(reply)
			if err != nil {
				return s.result, fmt.Errorf("failed to marshal tool result: %w", err)
			}
			_, isErr := reply["error"]
			results = append(results, anthropic.NewToolResultBlock(toolUse.ID, string(body), isErr))

			if s.done {
				log.With("turn", turn).Info("Result submitted, ending conversation")
				return s.result, nil
			}
		}
		params.Messages = append(params.Messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRoleUser,
			Content: results,
		})
	}
	return s.result, fmt.Errorf("%w after %d turns", ErrNoResult, a.maxTurns)
}

func toolError(format string, args ...any) map[string]any {
	return map[string]any{"error": fmt.Sprintf(format, args...)}
}

// isRetryableClaudeError reports rate limits, overload and gateway errors.
func isRetryableClaudeError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 503, 504, 529:
			return true
		}
	}
	return false
}
