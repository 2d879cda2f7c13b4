package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/turnkit/turnkit/harness/adapters"
	"github.com/ZanzyTHEbar/turnkit/turnkit/harness/harnesstest"
	ports "github.com/ZanzyTHEbar/turnkit/turnkit/harness/ports"
)

var (
	usage1 = ports.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}
	usage2 = ports.Usage{InputTokens: 12, OutputTokens: 1, TotalTokens: 13}
)

func newTestEngine(backend ports.Backend) *Engine {
	return NewEngine(backend, nil, nil, nil, nil, nil, nil, nil, zerolog.Nop())
}

func newTestRegistry(t *testing.T, tools ...ports.Tool) *ToolRegistry {
	t.Helper()
	r := NewToolRegistry()
	require.NoError(t, r.Register(tools...))
	return r
}

func addTool() *harnesstest.StubTool {
	return &harnesstest.StubTool{
		ToolName:    "add",
		Description: "Adds two integers",
		Schema:      `{"type":"object","properties":{"a":{"type":"integer"},"b":{"type":"integer"}},"required":["a","b"]}`,
		Fn: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				A int `json:"a"`
				B int `json:"b"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return in.A + in.B, nil
		},
	}
}

func failingTool(name string) *harnesstest.StubTool {
	return &harnesstest.StubTool{
		ToolName: name,
		Fn: func(ctx context.Context, args json.RawMessage) (any, error) {
			return nil, errors.New("disk on fire")
		},
	}
}

func assistantCalls(calls ...ports.ToolCall) ports.Message {
	content := make([]ports.Content, len(calls))
	for i, c := range calls {
		content[i] = ports.ToolCallContent(c)
	}
	return ports.Message{Role: ports.RoleAssistant, Content: content}
}

func toolResults(results ...ports.ToolResult) ports.Message {
	content := make([]ports.Content, len(results))
	for i, r := range results {
		content[i] = ports.ToolResultContent(r)
	}
	return ports.Message{Role: ports.RoleUser, Content: content}
}

func assertHistory(t *testing.T, expected, got []ports.Message) {
	t.Helper()
	if diff := cmp.Diff(expected, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_SingleTurnFinalAnswer(t *testing.T) {
	backend := harnesstest.NewScriptedBackend(harnesstest.TextStep("hello there", usage1))
	engine := newTestEngine(backend)

	res, err := engine.Run(t.Context(), "hi", &RunConfig{MaxTurns: 1})
	require.NoError(t, err)

	assert.Equal(t, ports.ReasonFinalAnswer, res.Reason)
	assert.Equal(t, "hello there", res.Text)
	assert.Equal(t, usage1, res.Usage)
	assert.Equal(t, 1, res.Turns)
	assert.Empty(t, res.Note)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 1, backend.Calls())
	assertHistory(t, []ports.Message{ports.UserText("hi"), ports.AssistantText("hello there")}, res.History)
}

func TestRun_AddScenario(t *testing.T) {
	call := harnesstest.Call("call_1", "add", map[string]int{"a": 2, "b": 2})
	backend := harnesstest.NewScriptedBackend(
		harnesstest.ToolCallStep(usage1, call),
		harnesstest.TextStep("4", usage2),
	)
	add := addTool()
	engine := newTestEngine(backend)

	res, err := engine.Run(t.Context(), "2+2?", &RunConfig{MaxTurns: 5, Tools: newTestRegistry(t, add)})
	require.NoError(t, err)

	assert.Equal(t, ports.ReasonFinalAnswer, res.Reason)
	assert.Equal(t, "4", res.Text)
	assert.Equal(t, 2, res.Turns)
	assert.Equal(t, usage1.Add(usage2), res.Usage)
	assert.Equal(t, 1, add.Calls())
	assertHistory(t, []ports.Message{
		ports.UserText("2+2?"),
		assistantCalls(call),
		toolResults(ports.ToolResult{CallID: "call_1", Name: "add", Content: "4"}),
		ports.AssistantText("4"),
	}, res.History)

	// the second request carries the outcome and the tool definition
	reqs := backend.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].History, 3)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "add", reqs[0].Tools[0].Name)
}

func TestRun_OutcomesFollowRequestOrder(t *testing.T) {
	const n = 6
	var mu sync.Mutex
	var completed []string

	sleeper := &harnesstest.StubTool{
		ToolName: "sleep",
		Fn: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Ms int    `json:"ms"`
				ID string `json:"id"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			time.Sleep(time.Duration(in.Ms) * time.Millisecond)
			mu.Lock()
			completed = append(completed, in.ID)
			mu.Unlock()
			return "slept " + in.ID, nil
		},
	}

	calls := make([]ports.ToolCall, n)
	for i := range calls {
		id := fmt.Sprintf("c%d", i)
		// earlier calls sleep longer so they finish last
		calls[i] = harnesstest.Call(id, "sleep", map[string]any{"ms": (n - i) * 10, "id": id})
	}

	backend := harnesstest.NewScriptedBackend(
		harnesstest.ToolCallStep(usage1, calls...),
		harnesstest.TextStep("done", usage2),
	)
	executor := NewToolExecutor(ExecutorConfig{Concurrency: n}, nil, nil, nil, zerolog.Nop())
	engine := NewEngine(backend, nil, nil, executor, nil, nil, nil, nil, zerolog.Nop())

	res, err := engine.Run(t.Context(), "sleep a lot", &RunConfig{MaxTurns: 2, Tools: newTestRegistry(t, sleeper)})
	require.NoError(t, err)

	results := res.History[2].ToolResults()
	require.Len(t, results, n)
	for i, r := range results {
		assert.Equal(t, calls[i].ID, r.CallID)
		assert.Equal(t, "slept "+calls[i].ID, r.Content)
		assert.False(t, r.IsError)
	}
	assert.Len(t, completed, n)
}

func TestRun_FailingToolDoesNotEndRun(t *testing.T) {
	backend := harnesstest.NewScriptedBackend(
		harnesstest.ToolCallStep(usage1,
			harnesstest.Call("c1", "add", map[string]int{"a": 1, "b": 2}),
			harnesstest.Call("c2", "explode", map[string]any{}),
		),
		harnesstest.TextStep("partial answer", usage2),
	)
	engine := newTestEngine(backend)

	res, err := engine.Run(t.Context(), "try both", &RunConfig{MaxTurns: 3, Tools: newTestRegistry(t, addTool(), failingTool("explode"))})
	require.NoError(t, err)

	assert.Equal(t, ports.ReasonFinalAnswer, res.Reason)
	assert.Equal(t, 2, backend.Calls())

	results := res.History[2].ToolResults()
	require.Len(t, results, 2)
	assert.False(t, results[0].IsError)
	assert.Equal(t, "3", results[0].Content)
	assert.True(t, results[1].IsError)
	assert.Contains(t, results[1].Content, "disk on fire")
}

func TestRun_UnknownToolBecomesOutcome(t *testing.T) {
	backend := harnesstest.NewScriptedBackend(
		harnesstest.ToolCallStep(usage1, harnesstest.Call("c1", "nope", map[string]any{})),
		harnesstest.TextStep("sorry", usage2),
	)
	engine := newTestEngine(backend)

	res, err := engine.Run(t.Context(), "call nope", &RunConfig{MaxTurns: 2, Tools: newTestRegistry(t, addTool())})
	require.NoError(t, err)

	results := res.History[2].ToolResults()
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Equal(t, (&UnknownToolError{Name: "nope"}).Error(), results[0].Content)
	assert.Equal(t, ports.ReasonFinalAnswer, res.Reason)
}

func TestRun_CancelBeforeAnyBackendCall(t *testing.T) {
	backend := harnesstest.NewScriptedBackend(harnesstest.TextStep("never", usage1))
	engine := newTestEngine(backend)

	token := NewCancelToken()
	token.Cancel("user pressed stop")

	res, err := engine.Run(t.Context(), "hello", &RunConfig{MaxTurns: 3, Cancel: token})
	require.NoError(t, err)

	assert.Equal(t, ports.ReasonCancelled, res.Reason)
	assert.Equal(t, 0, backend.Calls())
	assert.Equal(t, 0, res.Turns)
	assert.Equal(t, "run cancelled: user pressed stop", res.Note)
	assertHistory(t, []ports.Message{ports.UserText("hello")}, res.History)
}

func TestRun_CallerContextCancelled(t *testing.T) {
	backend := harnesstest.NewScriptedBackend(harnesstest.TextStep("never", usage1))
	engine := newTestEngine(backend)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	res, err := engine.Run(ctx, "hello", &RunConfig{MaxTurns: 3})
	require.NoError(t, err)

	assert.Equal(t, ports.ReasonCancelled, res.Reason)
	assert.Contains(t, res.Note, context.Canceled.Error())
	assert.Len(t, res.History, 1)
}

func TestRun_MaxTurnsReached(t *testing.T) {
	for _, maxTurns := range []int{1, 3, 7} {
		t.Run(fmt.Sprintf("max_turns_%d", maxTurns), func(t *testing.T) {
			backend := harnesstest.NewScriptedBackend(
				harnesstest.ToolCallStep(usage1, harnesstest.Call("", "add", map[string]int{"a": 1, "b": 1})),
			)
			backend.Repeat = true
			engine := newTestEngine(backend)

			res, err := engine.Run(t.Context(), "loop forever", &RunConfig{MaxTurns: maxTurns, Tools: newTestRegistry(t, addTool())})
			require.NoError(t, err)

			assert.Equal(t, ports.ReasonMaxTurnsReached, res.Reason)
			assert.Equal(t, maxTurns, res.Turns)
			assert.Equal(t, maxTurns, backend.Calls())
			assert.Len(t, res.History, 1+2*maxTurns)
			assert.Equal(t, fmt.Sprintf("maximum turns (%d) reached before a final answer", maxTurns), res.Note)

			// the last message is backend-authored, no synthetic note in history
			last := res.History[len(res.History)-1]
			assert.Equal(t, ports.RoleUser, last.Role)
			assert.Len(t, last.ToolResults(), 1)

			// missing call ids are filled per turn
			assert.Equal(t, fmt.Sprintf("call_%d_0", maxTurns), last.ToolResults()[0].CallID)
		})
	}
}

func TestRun_MaxTurnsKeepsLastAssistantText(t *testing.T) {
	msg := ports.Message{Role: ports.RoleAssistant, Content: []ports.Content{
		ports.TextContent("let me check"),
		ports.ToolCallContent(harnesstest.Call("c1", "add", map[string]int{"a": 1, "b": 1})),
	}}
	backend := harnesstest.NewScriptedBackend(harnesstest.Step{Completion: ports.Completion{Message: msg, Usage: usage1}})
	engine := newTestEngine(backend)

	res, err := engine.Run(t.Context(), "q", &RunConfig{MaxTurns: 1, Tools: newTestRegistry(t, addTool())})
	require.NoError(t, err)

	assert.Equal(t, ports.ReasonMaxTurnsReached, res.Reason)
	assert.Equal(t, "let me check", res.Text)
}

func TestRun_BackendErrorKeepsHistory(t *testing.T) {
	backend := harnesstest.NewScriptedBackend(
		harnesstest.ToolCallStep(usage1, harnesstest.Call("c1", "add", map[string]int{"a": 1, "b": 1})),
		harnesstest.ErrorStep(ports.NewBackendError(ports.BackendAuth, "scripted", "key revoked", nil)),
	)
	engine := newTestEngine(backend)

	res, err := engine.Run(t.Context(), "q", &RunConfig{MaxTurns: 5, Tools: newTestRegistry(t, addTool())})
	require.Error(t, err)
	require.NotNil(t, res)

	var be *ports.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ports.BackendAuth, be.Kind)

	assert.Equal(t, ports.ReasonFatalError, res.Reason)
	assert.Empty(t, res.Text)
	assert.Equal(t, usage1, res.Usage)
	assert.Equal(t, 2, res.Turns)
	require.Len(t, res.History, 3)
	assert.Equal(t, "2", res.History[2].ToolResults()[0].Content)
}

func TestRun_UntypedBackendErrorIsClassified(t *testing.T) {
	cause := errors.New("connection reset")
	backend := harnesstest.NewScriptedBackend(harnesstest.ErrorStep(cause))
	engine := newTestEngine(backend)

	res, err := engine.Run(t.Context(), "q", &RunConfig{MaxTurns: 1})
	assert.ErrorIs(t, err, cause)
	assert.True(t, ports.IsBackendKind(err, ports.BackendProvider))
	assert.Equal(t, ports.ReasonFatalError, res.Reason)
	assert.Len(t, res.History, 1)
}

func TestRun_MalformedResponses(t *testing.T) {
	tests := []struct {
		name string
		msg  ports.Message
	}{
		{name: "empty message", msg: ports.Message{Role: ports.RoleAssistant}},
		{name: "duplicate call ids", msg: assistantCalls(
			harnesstest.Call("same", "add", map[string]int{"a": 1, "b": 1}),
			harnesstest.Call("same", "add", map[string]int{"a": 2, "b": 2}),
		)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := harnesstest.NewScriptedBackend(harnesstest.Step{Completion: ports.Completion{Message: tt.msg}})
			engine := newTestEngine(backend)

			res, err := engine.Run(t.Context(), "q", &RunConfig{MaxTurns: 2, Tools: newTestRegistry(t, addTool())})
			assert.True(t, ports.IsBackendKind(err, ports.BackendMalformedResponse))
			assert.Equal(t, ports.ReasonFatalError, res.Reason)
			assert.Len(t, res.History, 1)
		})
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	engine := newTestEngine(harnesstest.NewScriptedBackend())

	res, err := engine.Run(t.Context(), "q", &RunConfig{MaxTurns: 0})
	assert.ErrorIs(t, err, ErrInvalidRunConfig)
	assert.Nil(t, res)

	res, err = engine.Run(t.Context(), "q", nil)
	assert.ErrorIs(t, err, ErrInvalidRunConfig)
	assert.Nil(t, res)

	_, err = engine.RunStreaming(t.Context(), "q", &RunConfig{MaxTurns: -1})
	assert.ErrorIs(t, err, ErrInvalidRunConfig)
}

func TestRun_PriorHistoryIsCopied(t *testing.T) {
	prior := []ports.Message{ports.UserText("earlier"), ports.AssistantText("noted")}
	backend := harnesstest.NewScriptedBackend(harnesstest.TextStep("ok", usage1))
	engine := newTestEngine(backend)

	res, err := engine.Run(t.Context(), "now", &RunConfig{MaxTurns: 1, History: prior, Preamble: "  be brief\r\n"})
	require.NoError(t, err)

	assert.Len(t, res.History, 4)
	res.History[0].Content[0].Text = "changed"
	assert.Equal(t, "earlier", prior[0].Text())

	req := backend.Requests()[0]
	assert.Equal(t, "be brief", req.Preamble)
	require.Len(t, req.History, 3)
	assert.Equal(t, "now", req.History[2].Text())
}

func TestRun_PromptIsKeptVerbatim(t *testing.T) {
	backend := harnesstest.NewScriptedBackend(harnesstest.TextStep("ok", usage1))
	engine := newTestEngine(backend)

	prompt := "  line one\r\nline two\n"
	res, err := engine.Run(t.Context(), prompt, &RunConfig{MaxTurns: 1})
	require.NoError(t, err)

	assert.Equal(t, prompt, res.History[0].Text())
	assert.Equal(t, prompt, backend.Requests()[0].History[0].Text())
}

func TestRun_DocumentsArePacked(t *testing.T) {
	backend := harnesstest.NewScriptedBackend(harnesstest.TextStep("ok", usage1))
	engine := newTestEngine(backend)

	docs := []Document{
		{Text: "low", Score: 0.1},
		{Text: " high ", Score: 0.9},
	}
	_, err := engine.Run(t.Context(), "q", &RunConfig{MaxTurns: 1, Documents: docs})
	require.NoError(t, err)

	assert.Equal(t, []string{"high", "low"}, backend.Requests()[0].Documents)
}

func TestRun_HooksOnlySeeCopies(t *testing.T) {
	backend := harnesstest.NewScriptedBackend(harnesstest.TextStep("ok", usage1))
	engine := newTestEngine(backend)

	var terminated ports.TerminateEvent
	hook := HookFuncs{
		BeforeBackendCall: func(ctx context.Context, ev ports.BackendCallEvent) ports.Signal {
			ev.History[0].Content[0].Text = "tampered"
			return ports.ContinueSignal()
		},
		Terminate: func(ctx context.Context, ev ports.TerminateEvent) ports.Signal {
			terminated = ev
			return ports.ContinueSignal()
		},
	}

	res, err := engine.Run(t.Context(), "original", &RunConfig{MaxTurns: 1, Hook: hook})
	require.NoError(t, err)

	assert.Equal(t, "original", res.History[0].Text())
	assert.Equal(t, "original", backend.Requests()[0].History[0].Text())
	assert.Equal(t, ports.ReasonFinalAnswer, terminated.Reason)
	assert.Equal(t, res.RunID, terminated.RunID)
	assert.Equal(t, usage1, terminated.Usage)
}

func TestRun_HookAbortBeforeBackendCall(t *testing.T) {
	for _, action := range []ports.Action{ports.Abort, ports.Skip} {
		t.Run(action.String(), func(t *testing.T) {
			backend := harnesstest.NewScriptedBackend(harnesstest.TextStep("never", usage1))
			engine := newTestEngine(backend)

			hook := HookFuncs{BeforeBackendCall: func(ctx context.Context, ev ports.BackendCallEvent) ports.Signal {
				return ports.Signal{Action: action, Reason: "budget exhausted"}
			}}

			res, err := engine.Run(t.Context(), "q", &RunConfig{MaxTurns: 2, Hook: hook})
			require.NoError(t, err)

			assert.Equal(t, ports.ReasonCancelled, res.Reason)
			assert.Equal(t, 0, backend.Calls())
			assert.Contains(t, res.Note, "budget exhausted")
		})
	}
}

func TestRun_HookSkipsSomeCalls(t *testing.T) {
	calls := []ports.ToolCall{
		harnesstest.Call("c1", "add", map[string]int{"a": 1, "b": 1}),
		harnesstest.Call("c2", "add", map[string]int{"a": 2, "b": 2}),
		harnesstest.Call("c3", "add", map[string]int{"a": 3, "b": 3}),
	}
	backend := harnesstest.NewScriptedBackend(
		harnesstest.ToolCallStep(usage1, calls...),
		harnesstest.TextStep("done", usage2),
	)
	add := addTool()
	engine := newTestEngine(backend)

	var mu sync.Mutex
	var before, after []string
	hook := HookFuncs{
		BeforeToolCall: func(ctx context.Context, ev ports.ToolCallEvent) ports.Signal {
			mu.Lock()
			before = append(before, ev.Call.ID)
			mu.Unlock()
			if ev.Call.ID == "c2" {
				return ports.SkipSignal("not today")
			}
			return ports.ContinueSignal()
		},
		AfterToolCall: func(ctx context.Context, ev ports.ToolResultEvent) ports.Signal {
			mu.Lock()
			after = append(after, ev.Result.CallID)
			mu.Unlock()
			return ports.ContinueSignal()
		},
	}

	res, err := engine.Run(t.Context(), "q", &RunConfig{MaxTurns: 2, Tools: newTestRegistry(t, add), Hook: hook})
	require.NoError(t, err)

	assert.Equal(t, []string{"c1", "c2", "c3"}, before)
	assert.Equal(t, []string{"c1", "c2", "c3"}, after)
	assert.Equal(t, 2, add.Calls())

	results := res.History[2].ToolResults()
	require.Len(t, results, 3)
	assert.Equal(t, "2", results[0].Content)
	assert.True(t, results[1].IsError)
	assert.Equal(t, "tool add skipped: not today", results[1].Content)
	assert.Equal(t, "6", results[2].Content)
	assert.Equal(t, ports.ReasonFinalAnswer, res.Reason)
}

func TestRun_HookAbortAfterToolCall(t *testing.T) {
	backend := harnesstest.NewScriptedBackend(
		harnesstest.ToolCallStep(usage1, harnesstest.Call("c1", "add", map[string]int{"a": 1, "b": 1})),
		harnesstest.TextStep("never", usage2),
	)
	engine := newTestEngine(backend)

	hook := HookFuncs{AfterToolCall: func(ctx context.Context, ev ports.ToolResultEvent) ports.Signal {
		return ports.AbortSignal("saw enough")
	}}

	res, err := engine.Run(t.Context(), "q", &RunConfig{MaxTurns: 3, Tools: newTestRegistry(t, addTool()), Hook: hook})
	require.NoError(t, err)

	assert.Equal(t, ports.ReasonCancelled, res.Reason)
	assert.Equal(t, 1, backend.Calls())
	require.Len(t, res.History, 3)
	assert.Equal(t, "2", res.History[2].ToolResults()[0].Content)
}

func TestRun_CancelDuringToolsKeepsJoinedOutcomes(t *testing.T) {
	token := NewCancelToken()
	slow := &harnesstest.StubTool{
		ToolName: "slow",
		Fn: func(ctx context.Context, args json.RawMessage) (any, error) {
			<-token.Done()
			time.Sleep(20 * time.Millisecond)
			return "finished anyway", nil
		},
	}
	stopper := &harnesstest.StubTool{
		ToolName: "stop",
		Fn: func(ctx context.Context, args json.RawMessage) (any, error) {
			token.Cancel("stop requested")
			return "stopping", nil
		},
	}

	backend := harnesstest.NewScriptedBackend(
		harnesstest.ToolCallStep(usage1,
			harnesstest.Call("c1", "slow", map[string]any{}),
			harnesstest.Call("c2", "stop", map[string]any{}),
		),
		harnesstest.TextStep("never", usage2),
	)
	engine := newTestEngine(backend)

	res, err := engine.Run(t.Context(), "q", &RunConfig{MaxTurns: 3, Tools: newTestRegistry(t, slow, stopper), Cancel: token})
	require.NoError(t, err)

	assert.Equal(t, ports.ReasonCancelled, res.Reason)
	assert.Equal(t, 1, backend.Calls())
	results := res.History[2].ToolResults()
	require.Len(t, results, 2)
	assert.Equal(t, "finished anyway", results[0].Content)
	assert.Equal(t, "stopping", results[1].Content)
}

func TestRun_CancelBetweenResponseAndDispatch(t *testing.T) {
	token := NewCancelToken()
	add := addTool()
	scripted := harnesstest.NewScriptedBackend(
		harnesstest.ToolCallStep(usage1,
			harnesstest.Call("c1", "add", map[string]int{"a": 1, "b": 1}),
			harnesstest.Call("c2", "add", map[string]int{"a": 2, "b": 2}),
		),
	)
	backend := &cancellingBackend{Backend: scripted, token: token, reason: "late stop"}
	engine := newTestEngine(backend)

	res, err := engine.Run(t.Context(), "q", &RunConfig{MaxTurns: 3, Tools: newTestRegistry(t, add), Cancel: token})
	require.NoError(t, err)

	assert.Equal(t, ports.ReasonCancelled, res.Reason)
	assert.Equal(t, 0, add.Calls())
	require.Len(t, res.History, 3)
	assert.Len(t, res.History[1].ToolCalls(), 2)
	results := res.History[2].ToolResults()
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.IsError)
		assert.Contains(t, r.Content, "cancelled before execution: late stop")
	}
}

// cancellingBackend fires the token right after a successful answer.
type cancellingBackend struct {
	ports.Backend
	token  *CancelToken
	reason string
}

func (b *cancellingBackend) Complete(ctx context.Context, req ports.CompletionRequest) (ports.Completion, error) {
	c, err := b.Backend.Complete(ctx, req)
	b.token.Cancel(b.reason)
	return c, err
}

func TestRun_CancelDuringBackendCall(t *testing.T) {
	backend := harnesstest.NewScriptedBackend(harnesstest.Step{
		Completion: ports.Completion{Message: ports.AssistantText("too late")},
		Delay:      5 * time.Second,
	})
	engine := newTestEngine(backend)

	token := NewCancelToken()
	go func() {
		time.Sleep(20 * time.Millisecond)
		token.Cancel("user")
	}()

	start := time.Now()
	res, err := engine.Run(t.Context(), "q", &RunConfig{MaxTurns: 1, Cancel: token})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, ports.ReasonCancelled, res.Reason)
	assert.Equal(t, "run cancelled: user", res.Note)
	assert.Len(t, res.History, 1)
}

func TestRun_RateLimiterWaitsForTokens(t *testing.T) {
	backend := harnesstest.NewScriptedBackend(
		harnesstest.ToolCallStep(usage1, harnesstest.Call("c1", "add", map[string]int{"a": 1, "b": 1})),
		harnesstest.TextStep("never", usage2),
	)
	limiter := adapters.NewTokenBucket(1, time.Hour)
	engine := NewEngine(backend, nil, nil, nil, nil, limiter, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	res, err := engine.Run(ctx, "q", &RunConfig{MaxTurns: 3, Tools: newTestRegistry(t, addTool())})
	require.NoError(t, err)

	assert.Equal(t, ports.ReasonCancelled, res.Reason)
	assert.Equal(t, 1, backend.Calls())
	assert.Len(t, res.History, 3)
}

func TestRun_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := adapters.NewPrometheusMetrics(reg)

	backend := harnesstest.NewScriptedBackend(
		harnesstest.ToolCallStep(usage1,
			harnesstest.Call("c1", "add", map[string]int{"a": 1, "b": 1}),
			harnesstest.Call("c2", "explode", map[string]any{}),
		),
		harnesstest.TextStep("ok", usage2),
	)
	executor := NewToolExecutor(DefaultExecutorConfig(), nil, nil, metrics, zerolog.Nop())
	engine := NewEngine(backend, nil, nil, executor, nil, nil, nil, metrics, zerolog.Nop())

	_, err := engine.Run(t.Context(), "q", &RunConfig{MaxTurns: 2, Tools: newTestRegistry(t, addTool(), failingTool("explode"))})
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.BackendCalls.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("add", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("explode", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Runs.WithLabelValues("final_answer")))
	assert.Equal(t, float64(usage1.InputTokens+usage2.InputTokens), testutil.ToFloat64(metrics.Tokens.WithLabelValues("input")))
}

// memStore is an in-memory ConversationStore.
type memStore struct {
	mu      sync.Mutex
	records []ports.RunRecord
	saveErr error
}

func (s *memStore) SaveRun(ctx context.Context, rec ports.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memStore) LoadHistory(ctx context.Context, conversationID string, k int) ([]ports.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []ports.Message
	for _, rec := range s.records {
		if rec.ConversationID == conversationID {
			msgs = append(msgs, rec.Messages...)
		}
	}
	if k < len(msgs) {
		msgs = msgs[len(msgs)-k:]
	}
	return msgs, nil
}

func TestRun_PersistsConversation(t *testing.T) {
	store := &memStore{}
	backend := harnesstest.NewScriptedBackend(
		harnesstest.TextStep("first answer", usage1),
		harnesstest.TextStep("second answer", usage2),
	)
	engine := NewEngine(backend, nil, nil, nil, store, nil, nil, nil, zerolog.Nop())

	res, err := engine.Run(t.Context(), "first", &RunConfig{MaxTurns: 1, ConversationID: "conv-1"})
	require.NoError(t, err)

	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, res.RunID, rec.RunID)
	assert.Equal(t, ports.ReasonFinalAnswer, rec.Reason)
	assertHistory(t, res.History, rec.Messages)

	_, err = engine.Run(t.Context(), "second", &RunConfig{MaxTurns: 1, ConversationID: "conv-1", LoadHistory: 10})
	require.NoError(t, err)

	req := backend.Requests()[1]
	require.Len(t, req.History, 3)
	assert.Equal(t, "first answer", req.History[1].Text())

	// only the messages of the second run are saved
	require.Len(t, store.records, 2)
	assert.Len(t, store.records[1].Messages, 2)
}

func TestRun_StoreFailureIsNotFatal(t *testing.T) {
	store := &memStore{saveErr: errors.New("disk full")}
	backend := harnesstest.NewScriptedBackend(harnesstest.TextStep("ok", usage1))
	engine := NewEngine(backend, nil, nil, nil, store, nil, nil, nil, zerolog.Nop())

	res, err := engine.Run(t.Context(), "q", &RunConfig{MaxTurns: 1, ConversationID: "conv"})
	require.NoError(t, err)
	assert.Equal(t, ports.ReasonFinalAnswer, res.Reason)
}

func BenchmarkRun_AddScenario(b *testing.B) {
	add := addTool()
	registry := NewToolRegistry()
	if err := registry.Register(add); err != nil {
		b.Fatal(err)
	}

	for b.Loop() {
		backend := harnesstest.NewScriptedBackend(
			harnesstest.ToolCallStep(usage1, harnesstest.Call("c1", "add", map[string]int{"a": 2, "b": 2})),
			harnesstest.TextStep("4", usage2),
		)
		engine := newTestEngine(backend)
		if _, err := engine.Run(context.Background(), "2+2?", &RunConfig{MaxTurns: 2, Tools: registry}); err != nil {
			b.Fatal(err)
		}
	}
}
