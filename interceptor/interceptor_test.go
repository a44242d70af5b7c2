package interceptor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycode/turnguard/llm"
	"github.com/relaycode/turnguard/memory"
	"github.com/relaycode/turnguard/rules"
	"github.com/relaycode/turnguard/supervisor"
)

func newTestInterceptor(t *testing.T, handler http.HandlerFunc, strict bool) *Interceptor {
	t.Helper()
	dir := t.TempDir()
	mem, err := memory.NewPersistentMemory(filepath.Join(dir, "memory.md"))
	require.NoError(t, err)
	nb, err := memory.NewNotebook(filepath.Join(dir, "notebook.json"))
	require.NoError(t, err)

	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(llm.APIResponse{Choices: []llm.Choice{{Message: llm.Message{Content: `{"result":"ok","summary":"fine"}`}}}})
		}
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := llm.NewClient("test-model", srv.URL, "test-cred")
	agent := supervisor.NewAgent(mem, nb, client, llm.DefaultContextWindow, dir)

	store, err := memory.NewSessionStore(dir)
	require.NoError(t, err)

	return &Interceptor{
		cfg:          Config{StrictMode: strict},
		memory:       mem,
		notebook:     nb,
		agent:        agent,
		sessionStore: store,
	}
}

func TestClassifyAgentDeltaForwardsWhenNoViolation(t *testing.T) {
	ic := newTestInterceptor(t, nil, false)
	detector := rules.NewDetector()
	msg := frame{Method: NotifyItemAgentMessageDelta, Params: json.RawMessage(`{"delta":"implemented the feature cleanly"}`)}

	act := ic.classifyAgentDelta(msg, detector)
	assert.Equal(t, actionForward, act.kind)
}

func TestClassifyAgentDeltaInjectsViolationNoticeNonStrict(t *testing.T) {
	ic := newTestInterceptor(t, nil, false)
	detector := rules.NewDetector()
	msg := frame{Method: NotifyItemAgentMessageDelta, Params: json.RawMessage(`{"delta":"for now, I'll just stub this out"}`)}

	act := ic.classifyAgentDelta(msg, detector)
	assert.Equal(t, actionInjectBefore, act.kind)
	require.Len(t, act.before, 1)
	assert.Contains(t, act.before[0], SupervisorViolation)
}

func TestClassifyAgentDeltaStrictModeInterrupts(t *testing.T) {
	ic := newTestInterceptor(t, nil, true)
	detector := rules.NewDetector()
	msg := frame{Method: NotifyItemAgentMessageDelta, Params: json.RawMessage(`{"delta":"for now, I'll just stub this out"}`)}

	act := ic.classifyAgentDelta(msg, detector)
	assert.Equal(t, actionInterrupt, act.kind)
	assert.NotEmpty(t, act.interrupt)
}

func TestClassifyTurnCompletedShortContentForwards(t *testing.T) {
	ic := newTestInterceptor(t, nil, false)
	output := make(chan string, 8)

	act := ic.classifyTurnCompleted(context.Background(), "too short", output)
	assert.Equal(t, actionForward, act.kind)
}

func TestClassifyTurnCompletedNoViolationInjectsAfter(t *testing.T) {
	ic := newTestInterceptor(t, nil, false)
	output := make(chan string, 8)

	act := ic.classifyTurnCompleted(context.Background(), "a sufficiently long piece of assistant output text", output)
	assert.Equal(t, actionInjectAfter, act.kind)
	require.Len(t, act.after, 1)
	assert.Contains(t, act.after[0], SupervisorCheck)
}

func TestClassifyTurnCompletedViolationCorrectsAgent(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(llm.APIResponse{Choices: []llm.Choice{{Message: llm.Message{
			Content: `{"result":"violation","type":"over_engineering","description":"added unneeded abstraction","correction":"remove it"}`,
		}}}})
	}
	ic := newTestInterceptor(t, handler, false)
	output := make(chan string, 8)

	act := ic.classifyTurnCompleted(context.Background(), "a sufficiently long piece of assistant output text", output)
	assert.Equal(t, actionCorrectAgent, act.kind)
	assert.Equal(t, "remove it", act.correct)
	require.Len(t, ic.notebook.Mistakes, 1)
}

func TestClassifyUserInputRequestForwardsOnForwardAction(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(llm.APIResponse{Choices: []llm.Choice{{Message: llm.Message{Content: `{"action":"forward_to_user"}`}}}})
	}
	ic := newTestInterceptor(t, handler, false)
	msg := frame{Method: NotifyRequestUserInput, Params: json.RawMessage(`{"question":"proceed?"}`)}

	act := ic.classifyUserInputRequest(context.Background(), msg)
	assert.Equal(t, actionForward, act.kind)
}

func TestClassifyUserInputRequestCorrectsOnCorrectAction(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(llm.APIResponse{Choices: []llm.Choice{{Message: llm.Message{Content: `{"action":"correct","content":"just proceed without asking"}`}}}})
	}
	ic := newTestInterceptor(t, handler, false)
	msg := frame{Method: NotifyRequestUserInput, Params: json.RawMessage(`{"question":"proceed?"}`)}

	act := ic.classifyUserInputRequest(context.Background(), msg)
	assert.Equal(t, actionInterrupt, act.kind)
	assert.Equal(t, "just proceed without asking", act.interrupt)
}

func TestClassifyUserInputRequestEmptyParamsForwards(t *testing.T) {
	ic := newTestInterceptor(t, nil, false)
	msg := frame{Method: NotifyRequestUserInput}

	act := ic.classifyUserInputRequest(context.Background(), msg)
	assert.Equal(t, actionForward, act.kind)
}

func TestApplyActionForward(t *testing.T) {
	ic := newTestInterceptor(t, nil, false)
	output := make(chan string, 4)
	ic.applyAction(`{"method":"x"}`, action{kind: actionForward}, output, nil, nil)

	assert.Equal(t, `{"method":"x"}`, <-output)
}

func TestApplyActionInjectBeforeAndAfter(t *testing.T) {
	ic := newTestInterceptor(t, nil, false)
	output := make(chan string, 4)

	ic.applyAction("original", action{kind: actionInjectBefore, before: []string{"notice"}}, output, nil, nil)
	assert.Equal(t, "notice", <-output)
	assert.Equal(t, "original", <-output)

	ic.applyAction("original", action{kind: actionInjectAfter, after: []string{"followup"}}, output, nil, nil)
	assert.Equal(t, "original", <-output)
	assert.Equal(t, "followup", <-output)
}

func TestApplyActionInterrupt(t *testing.T) {
	ic := newTestInterceptor(t, nil, false)
	output := make(chan string, 4)

	ic.applyAction("original", action{kind: actionInterrupt, interrupt: "stop that"}, output, nil, nil)
	msg := <-output
	assert.Contains(t, msg, SupervisorCorrection)
	assert.Contains(t, msg, "stop that")
}

func TestApplyActionCorrectAgentWithNoThreadIDReportsFailure(t *testing.T) {
	ic := newTestInterceptor(t, nil, false)
	output := make(chan string, 4)
	toServer := make(chan string, 4)
	stopping := make(chan struct{})

	ic.applyAction("original", action{kind: actionCorrectAgent, correct: "fix it"}, output, toServer, stopping)

	assert.Equal(t, "original", <-output)
	msg := <-output
	assert.Contains(t, msg, "cannot send correction")
}

func TestApplyActionCorrectAgentWithThreadIDSendsTurnStart(t *testing.T) {
	ic := newTestInterceptor(t, nil, false)
	ic.currentThreadID = "thread-xyz"
	output := make(chan string, 4)
	toServer := make(chan string, 4)
	stopping := make(chan struct{})

	ic.applyAction("original", action{kind: actionCorrectAgent, correct: "fix it"}, output, toServer, stopping)

	assert.Equal(t, "original", <-output)
	sent := <-toServer
	assert.Contains(t, sent, "thread-xyz")
	assert.Contains(t, sent, "fix it")

	confirmation := <-output
	assert.Contains(t, confirmation, "corrected")
}
