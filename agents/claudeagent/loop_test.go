/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package claudeagent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chainguard.dev/prloop/clonemanager"
	"chainguard.dev/prloop/retry"
	"chainguard.dev/prloop/workitem"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-github/v84/github"
	"github.com/shurcooL/githubv4"
)

type reply struct {
	msg anthropic.Message
	err error
}

// scriptedMessenger answers with replies in order and records every request.
type scriptedMessenger struct {
	mu      sync.Mutex
	replies []reply
	calls   []anthropic.MessageNewParams
}

func (m *scriptedMessenger) Message(_ context.Context, params anthropic.MessageNewParams) (anthropic.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, params)
	if len(m.replies) == 0 {
		return anthropic.Message{}, errors.New("no scripted reply left")
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r.msg, r.err
}

// lastMessage returns the final message of call i as JSON.
func (m *scriptedMessenger) lastMessage(t *testing.T, i int) string {
	t.Helper()
	msgs := m.calls[i].Messages
	b, err := json.Marshal(msgs[len(msgs)-1])
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	return string(b)
}

func decodeMessage(t *testing.T, v map[string]any) anthropic.Message {
	t.Helper()
	v["type"] = "message"
	v["role"] = "assistant"
	v["model"] = DefaultModel
	v["usage"] = map[string]any{"input_tokens": 10, "output_tokens": 5}
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var msg anthropic.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	return msg
}

func toolUse(t *testing.T, id, name string, input any) reply {
	t.Helper()
	return reply{msg: decodeMessage(t, map[string]any{
		"id":          "msg_" + id,
		"stop_reason": "tool_use",
		"content":     []any{map[string]any{"type": "tool_use", "id": id, "name": name, "input": input}},
	})}
}

func text(t *testing.T, s string) reply {
	t.Helper()
	return reply{msg: decodeMessage(t, map[string]any{
		"id":          "msg_text",
		"stop_reason": "end_turn",
		"content":     []any{map[string]any{"type": "text", "text": s}},
	})}
}

func submit(t *testing.T, id string, result any) reply {
	return toolUse(t, id, submitToolName, map[string]any{"reasoning": "done", "result": result})
}

func apiError(code int) error {
	return &anthropic.Error{
		StatusCode: code,
		Request:    httptest.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil),
		Response:   &http.Response{StatusCode: code, Status: http.StatusText(code)},
	}
}

type noGitHub struct{}

func (noGitHub) Client(context.Context, workitem.Repository) (*github.Client, error) {
	return nil, errors.New("no github in this test")
}

func (noGitHub) GraphQL(context.Context, workitem.Repository) (*githubv4.Client, error) {
	return nil, errors.New("no github in this test")
}

type noClones struct{}

func (noClones) Get(context.Context, workitem.Repository) (*clonemanager.Manager, error) {
	return nil, errors.New("no clones in this test")
}

var fastRetry = retry.Config{MaxRetries: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

func newTestAgent(t *testing.T, m Messenger, gh GitHub, opts ...Option) *Agent {
	t.Helper()
	if gh == nil {
		gh = noGitHub{}
	}
	a, err := New(anthropic.Client{}, gh, noClones{}, append([]Option{WithMessenger(m), WithRetryConfig(fastRetry)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestConverseSubmits(t *testing.T) {
	m := &scriptedMessenger{replies: []reply{
		submit(t, "tu_1", map[string]any{"title": "Add widgets", "body": "Adds them.", "commit_message": "add widgets"}),
	}}
	a := newTestAgent(t, m, nil)

	got, err := converse(context.Background(), a, "system", "prompt", withSubmit(map[string]tool[IssueFix]{}, "the fix"))
	if err != nil {
		t.Fatalf("converse: %v", err)
	}
	want := IssueFix{Title: "Add widgets", Body: "Adds them.", CommitMessage: "add widgets"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if len(m.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(m.calls))
	}
	if got := m.calls[0].Model; got != anthropic.Model(DefaultModel) {
		t.Errorf("model = %q, want %q", got, DefaultModel)
	}
	if got := m.calls[0].Tools[0].OfTool.Name; got != submitToolName {
		t.Errorf("tool = %q, want %q", got, submitToolName)
	}
}

func TestConverseReportsToolErrors(t *testing.T) {
	m := &scriptedMessenger{replies: []reply{
		toolUse(t, "tu_1", "launch_rockets", map[string]any{}),
		submit(t, "tu_2", map[string]any{"review_comment": "  ", "approve": true}),
		submit(t, "tu_3", map[string]any{"review_comment": "Looks good.", "approve": true}),
	}}
	a := newTestAgent(t, m, nil)

	got, err := converse(context.Background(), a, "system", "prompt", withSubmit(map[string]tool[ReviewResult]{}, "review"))
	if err != nil {
		t.Fatalf("converse: %v", err)
	}
	if !got.Approve || got.Comment != "Looks good." {
		t.Errorf("result = %+v", got)
	}
	if len(m.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(m.calls))
	}
	for i, want := range []string{"unknown tool", "review_comment cannot be empty"} {
		last := m.lastMessage(t, i+1)
		if !strings.Contains(last, want) || !strings.Contains(last, `"is_error":true`) {
			t.Errorf("call %d last message = %s, want error containing %q", i+1, last, want)
		}
	}
}

func TestConverseNudgesTextReplies(t *testing.T) {
	m := &scriptedMessenger{replies: []reply{
		text(t, "I think I am done."),
		submit(t, "tu_1", map[string]any{"comment": "fixed", "commit_message": "fix"}),
	}}
	a := newTestAgent(t, m, nil)

	if _, err := converse(context.Background(), a, "system", "prompt", withSubmit(map[string]tool[PullRequestFix]{}, "fix")); err != nil {
		t.Fatalf("converse: %v", err)
	}
	if len(m.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(m.calls))
	}
	if last := m.lastMessage(t, 1); !strings.Contains(last, "Continue working with the tools") {
		t.Errorf("second call last message = %s, want nudge", last)
	}
}

func TestConverseRunsOutOfTurns(t *testing.T) {
	m := &scriptedMessenger{replies: []reply{text(t, "hmm"), text(t, "hmm")}}
	a := newTestAgent(t, m, nil, WithMaxTurns(2))

	_, err := converse(context.Background(), a, "system", "prompt", withSubmit(map[string]tool[PullRequestFix]{}, "fix"))
	if !errors.Is(err, ErrNoResult) {
		t.Fatalf("converse error = %v, want ErrNoResult", err)
	}
	if len(m.calls) != 2 {
		t.Errorf("calls = %d, want 2", len(m.calls))
	}
}

func TestConverseRetries(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantErr   bool
		wantCalls int
	}{
		{name: "overloaded", err: apiError(529), wantCalls: 2},
		{name: "rate limited", err: apiError(http.StatusTooManyRequests), wantCalls: 2},
		{name: "bad request", err: apiError(http.StatusBadRequest), wantErr: true, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &scriptedMessenger{replies: []reply{
				{err: tt.err},
				submit(t, "tu_1", map[string]any{"comment": "fixed", "commit_message": "fix"}),
			}}
			a := newTestAgent(t, m, nil)

			_, err := converse(context.Background(), a, "system", "prompt", withSubmit(map[string]tool[PullRequestFix]{}, "fix"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("converse error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(m.calls) != tt.wantCalls {
				t.Errorf("calls = %d, want %d", len(m.calls), tt.wantCalls)
			}
		})
	}
}

func TestOptionValidation(t *testing.T) {
	m := &scriptedMessenger{}
	for _, opt := range []Option{
		WithModel("gpt-4"),
		WithMaxTokens(0),
		WithMaxTurns(-1),
		WithMessenger(nil),
		WithRetryConfig(retry.Config{MaxRetries: -1}),
	} {
		if _, err := New(anthropic.Client{}, noGitHub{}, noClones{}, WithMessenger(m), opt); err == nil {
			t.Error("New with invalid option succeeded")
		}
	}
	if _, err := New(anthropic.Client{}, nil, noClones{}); err == nil {
		t.Error("New without github succeeded")
	}
}
