package interceptor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/relaycode/turnguard/internal/xerrors"
	"github.com/relaycode/turnguard/memory"
	"github.com/relaycode/turnguard/rules"
	"github.com/relaycode/turnguard/supervisor"
)

// minViolationContentLen is the per-thread accumulated-content floor below
// which a turn/completed is too short to evaluate meaningfully.
const minViolationContentLen = 20

// shutdownJoinTimeout bounds how long Run waits for the reader/writer
// goroutines to exit before abandoning them during shutdown.
const shutdownJoinTimeout = 3 * time.Second

// Config configures one Interceptor instance.
type Config struct {
	// AssistantCmd is the subprocess command and arguments to spawn (e.g.
	// []string{"codex", "app-server"}).
	AssistantCmd []string
	WorkDir      string
	StrictMode   bool
	MemoryFile   string
	ProjectDir   string
}

// Interceptor wraps the assistant subprocess, routing every frame through
// the supervision pipeline built from memory, notebook, and Agent.
type Interceptor struct {
	cfg          Config
	memory       *memory.PersistentMemory
	notebook     *memory.Notebook
	agent        *supervisor.Agent
	sessionStore *memory.SessionStore

	threadMu        sync.Mutex
	currentThreadID string
}

// New constructs an Interceptor, clearing memory/notebook to a blank slate
// (per-thread state is restored or re-cleared on first thread-id
// observation, never carried in from a prior run at the process level).
func New(cfg Config, mem *memory.PersistentMemory, nb *memory.Notebook, agent *supervisor.Agent) (*Interceptor, error) {
	if err := mem.ClearAll(); err != nil {
		return nil, xerrors.Wrap(xerrors.MemoryIO, "clear memory at startup", err)
	}
	if err := nb.ClearAll(); err != nil {
		return nil, xerrors.Wrap(xerrors.MemoryIO, "clear notebook at startup", err)
	}

	store, err := memory.NewSessionStore(cfg.ProjectDir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.MemoryIO, "open session store", err)
	}
	if err := store.Cleanup(50); err != nil {
		log.Warn().Err(err).Msg("session store cleanup failed")
	}

	return &Interceptor{
		cfg:          cfg,
		memory:       mem,
		notebook:     nb,
		agent:        agent,
		sessionStore: store,
	}, nil
}

// Notebook exposes the notebook for sharing with other components (e.g. a
// TUI rendering its current-activity line).
func (ic *Interceptor) Notebook() *memory.Notebook { return ic.notebook }

// Run spawns the assistant subprocess and pumps frames between it, the
// user-input channel, and the output channel until userInput closes.
func (ic *Interceptor) Run(ctx context.Context, userInput <-chan string, output chan<- string) error {
	if len(ic.cfg.AssistantCmd) == 0 {
		return xerrors.New(xerrors.AssistantStartup, "no assistant command configured")
	}

	// cmd.Stderr left nil: assistant stderr is discarded, not forwarded.
	cmd := exec.CommandContext(ctx, ic.cfg.AssistantCmd[0], ic.cfg.AssistantCmd[1:]...)
	cmd.Dir = ic.cfg.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return xerrors.Wrap(xerrors.AssistantStartup, "get assistant stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return xerrors.Wrap(xerrors.AssistantStartup, "get assistant stdout", err)
	}

	log.Info().Strs("cmd", ic.cfg.AssistantCmd).Msg("starting assistant subprocess")
	if err := cmd.Start(); err != nil {
		return xerrors.Wrap(xerrors.AssistantStartup, "start assistant subprocess", err)
	}
	log.Info().Int("pid", cmd.Process.Pid).Msg("assistant subprocess started")

	// toServer is fed by two independent producers (the user-input pump and
	// applyAction's correction sends from the stdout-reader goroutine), so
	// it is never closed — closing a channel two goroutines might still
	// send on risks a send-on-closed-channel panic. Shutdown instead closes
	// stopping, which only Run ever closes, and every send against
	// toServer races it via select.
	toServer := make(chan string, 32)
	stopping := make(chan struct{})

	output <- buildNotification("supervisor/status", map[string]any{
		"message":    "turnguard active. Monitoring assistant behavior.",
		"strictMode": ic.cfg.StrictMode,
	})

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		ic.stdinWriter(stdin, toServer, stopping)
	}()

	go func() {
		defer wg.Done()
		ic.stdoutReader(ctx, stdout, output, toServer, stopping)
	}()

	// User-input pump runs on this goroutine directly: it is the loop Run
	// blocks on, so no separate goroutine is needed to "join" it.
	ic.userInputPump(userInput, toServer, stopping)

	// Closing the assistant's stdin (via the writer goroutine exiting) is
	// what lets it observe EOF and exit on its own, which in turn closes
	// its stdout and lets the reader goroutine reach EOF.
	close(stopping)
	joinDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(joinDone)
	}()
	select {
	case <-joinDone:
	case <-time.After(shutdownJoinTimeout):
		log.Warn().Msg("interceptor goroutines did not join within shutdown timeout")
	}

	ic.saveSession()

	if err := cmd.Process.Kill(); err != nil {
		log.Debug().Err(err).Msg("kill assistant subprocess (may have already exited)")
	}

	return nil
}

func (ic *Interceptor) stdinWriter(stdin io.WriteCloser, toServer <-chan string, stopping <-chan struct{}) {
	defer stdin.Close()
	for {
		select {
		case msg := <-toServer:
			if _, err := stdin.Write([]byte(msg)); err != nil {
				return
			}
			if _, err := stdin.Write([]byte("\n")); err != nil {
				return
			}
		case <-stopping:
			return
		}
	}
}

func (ic *Interceptor) userInputPump(userInput <-chan string, toServer chan<- string, stopping <-chan struct{}) {
	for input := range userInput {
		var msg frame
		if err := json.Unmarshal([]byte(input), &msg); err != nil {
			log.Warn().Err(err).Msg("failed to parse user input, forwarding anyway")
			sendToServer(toServer, stopping, input)
			continue
		}

		if msg.Method == MethodTurnStart {
			for _, text := range extractTurnStartTexts(msg.Params) {
				if err := ic.memory.AddTurn(memory.RoleEndUser, text); err != nil {
					log.Warn().Err(err).Msg("failed to record user turn")
				}
				if err := ic.memory.RecordUserInstruction(text); err != nil {
					log.Warn().Err(err).Msg("failed to record user instruction")
				}
			}
		}

		sendToServer(toServer, stopping, input)
	}
}

// sendToServer sends msg on toServer unless stopping has already fired, in
// which case the send is abandoned rather than risking a block past
// shutdown.
func sendToServer(toServer chan<- string, stopping <-chan struct{}, msg string) {
	select {
	case toServer <- msg:
	case <-stopping:
	}
}

// threadState is the per-thread accumulator the stdout reader maintains
// across the lifetime of the subprocess. Session initialization is tracked
// separately on the Interceptor itself (threadMu/currentThreadID), since it
// must survive across the whole subprocess run, not just this reader loop.
type threadState struct {
	accumulated map[string]string
	legacyAccum string
}

func (ic *Interceptor) stdoutReader(ctx context.Context, stdout io.ReadCloser, output chan<- string, toServer chan<- string, stopping <-chan struct{}) {
	detector := rules.NewDetector()
	state := &threadState{accumulated: make(map[string]string)}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg frame
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			log.Debug().Str("line", firstN(line, 120)).Msg("dropping non-JSON assistant output")
			continue
		}

		ic.trackThreadID(msg)

		notifThreadID, hasNotifThread := extractThreadIDFromParams(msg.Params)

		switch msg.Method {
		case NotifyTurnStarted:
			if hasNotifThread {
				state.accumulated[notifThreadID] = ""
			} else {
				state.legacyAccum = ""
			}
		case NotifyItemAgentMessageDelta:
			if delta, ok := extractAgentMessageDelta(msg.Params); ok {
				if hasNotifThread {
					state.accumulated[notifThreadID] += delta
				}
				state.legacyAccum += delta
			}
		}

		effectiveContent := state.legacyAccum
		if hasNotifThread {
			if acc, ok := state.accumulated[notifThreadID]; ok {
				effectiveContent = acc
			}
		}

		action := ic.classify(ctx, msg, detector, effectiveContent, output)
		ic.applyAction(line, action, output, toServer, stopping)
	}
}

// trackThreadID implements the session-init sequence: on first observation
// of a thread id anywhere (response result or notification params), restore
// its cached session or start clean.
func (ic *Interceptor) trackThreadID(msg frame) {
	var threadID string
	var ok bool

	if msg.Result != nil {
		threadID, ok = extractThreadIDFromResult(msg.Result)
	}
	if !ok {
		threadID, ok = extractThreadIDFromParams(msg.Params)
	}
	if !ok {
		return
	}

	ic.threadMu.Lock()
	alreadyInit := ic.currentThreadID != ""
	ic.currentThreadID = threadID
	ic.threadMu.Unlock()

	if alreadyInit {
		return
	}

	snapshot, found, err := ic.sessionStore.Load(threadID)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("threadId", threadID).Msg("session store load error")
	case found:
		if err := memory.RestoreSnapshot(ic.memory, ic.notebook, snapshot); err != nil {
			log.Warn().Err(err).Str("threadId", threadID).Msg("failed to restore session")
		}
	default:
		if err := ic.memory.ClearAll(); err != nil {
			log.Warn().Err(err).Msg("failed to clear memory for new thread")
		}
		if err := ic.notebook.ClearAll(); err != nil {
			log.Warn().Err(err).Msg("failed to clear notebook for new thread")
		}
	}
}

func (ic *Interceptor) saveSession() {
	ic.threadMu.Lock()
	threadID := ic.currentThreadID
	ic.threadMu.Unlock()

	if threadID == "" {
		return
	}
	if err := ic.sessionStore.Save(threadID, ic.memory, ic.notebook); err != nil {
		log.Warn().Err(err).Str("threadId", threadID).Msg("failed to save session")
		return
	}
	log.Info().Str("threadId", threadID).Msg("saved session state")
}

// action is C12's classifier outcome, one of seven shapes.
type action struct {
	kind      actionKind
	replace   string
	before    []string
	after     []string
	interrupt string
	correct   string
}

type actionKind int

const (
	actionForward actionKind = iota
	actionDrop
	actionReplace
	actionInjectBefore
	actionInjectAfter
	actionInterrupt
	actionCorrectAgent
)

func (ic *Interceptor) classify(ctx context.Context, msg frame, detector *rules.Detector, turnContent string, output chan<- string) action {
	switch {
	case IsPlanUpdate(msg.Method):
		return action{kind: actionForward}

	case msg.Method == NotifyItemAgentMessageDelta:
		return ic.classifyAgentDelta(msg, detector)

	case msg.Method == NotifyTurnCompleted:
		return ic.classifyTurnCompleted(ctx, turnContent, output)

	case msg.Method == NotifyRequestUserInput:
		return ic.classifyUserInputRequest(ctx, msg)

	default:
		return action{kind: actionForward}
	}
}

func (ic *Interceptor) classifyAgentDelta(msg frame, detector *rules.Detector) action {
	text, ok := extractAgentMessageDelta(msg.Params)
	if !ok {
		return action{kind: actionForward}
	}

	violations := detector.Check(text)
	if len(violations) == 0 {
		return action{kind: actionForward}
	}
	v := violations[0]

	if ic.cfg.StrictMode {
		return action{kind: actionInterrupt, interrupt: v.Correction}
	}

	if err := ic.memory.RecordBehavior("Violation: "+v.Description, false); err != nil {
		log.Warn().Err(err).Msg("failed to record violation behavior")
	}
	notif := buildNotification(SupervisorViolation, map[string]any{"message": v.Description})
	return action{kind: actionInjectBefore, before: []string{notif}}
}

func (ic *Interceptor) classifyTurnCompleted(ctx context.Context, turnContent string, output chan<- string) action {
	if len(strings.TrimSpace(turnContent)) < minViolationContentLen {
		return action{kind: actionForward}
	}

	if err := ic.memory.AddTurn(memory.RoleAssistant, turnContent); err != nil {
		log.Warn().Err(err).Msg("failed to record assistant turn")
	}

	sink := &notificationSink{output: output}
	result, err := ic.agent.DetectViolation(ctx, turnContent, sink)
	if err != nil {
		msg := buildNotification(SupervisorCheck, map[string]any{
			"status":  "error",
			"message": fmt.Sprintf("evaluation failed: %s", err),
		})
		return action{kind: actionInjectAfter, after: []string{msg}}
	}

	if result.Violation != nil {
		if err := ic.notebook.RecordMistake(result.Violation.Description, result.Violation.Correction,
			"assistant violated: "+result.Violation.Description); err != nil {
			log.Warn().Err(err).Msg("failed to record mistake in notebook")
		}
		return action{kind: actionCorrectAgent, correct: result.Violation.Correction}
	}

	params := map[string]any{"status": "ok", "message": result.Summary}
	if result.Thinking != "" {
		params["thinking"] = result.Thinking
	}
	msg := buildNotification(SupervisorCheck, params)
	return action{kind: actionInjectAfter, after: []string{msg}}
}

func (ic *Interceptor) classifyUserInputRequest(ctx context.Context, msg frame) action {
	if len(msg.Params) == 0 {
		return action{kind: actionForward}
	}
	result, err := ic.agent.EvaluateRequest(ctx, string(msg.Params))
	if err != nil {
		log.Warn().Err(err).Msg("request evaluation failed")
		return action{kind: actionForward}
	}

	switch result.Action {
	case rules.ActionAutoReply:
		// Auto-reply wiring back into the assistant's stdin for this
		// notification type is not implemented; forward to the user
		// instead (documented gap, SPEC_FULL §4.12).
		return action{kind: actionForward}
	case rules.ActionCorrect:
		return action{kind: actionInterrupt, interrupt: result.Content}
	case rules.ActionForwardToUser:
		return action{kind: actionForward}
	default:
		return action{kind: actionForward}
	}
}

// notificationSink streams supervisor/thinking and supervisor/toolCall
// frames to the output channel as they occur during a DetectViolation
// call, rather than batching them for delivery after the fact.
type notificationSink struct {
	output chan<- string
}

func (s *notificationSink) Thinking(status, message string, durationMs int64) {
	s.output <- buildNotification(SupervisorThinking, map[string]any{
		"status": status, "message": message, "duration_ms": durationMs,
	})
}

func (s *notificationSink) ToolCall(status, tool, args, output string, durationMs int64, success bool) {
	params := map[string]any{
		"status": status, "tool": tool, "args": args, "duration_ms": durationMs, "success": success,
	}
	if output != "" {
		params["output"] = output
	}
	s.output <- buildNotification(SupervisorToolCall, params)
}

func (ic *Interceptor) applyAction(original string, act action, output chan<- string, toServer chan<- string, stopping <-chan struct{}) {
	switch act.kind {
	case actionForward:
		output <- original

	case actionDrop:
		// swallow

	case actionReplace:
		output <- act.replace

	case actionInjectBefore:
		for _, m := range act.before {
			output <- m
		}
		output <- original

	case actionInjectAfter:
		output <- original
		for _, m := range act.after {
			output <- m
		}

	case actionInterrupt:
		output <- buildNotification(SupervisorCorrection, map[string]any{"message": act.interrupt})

	case actionCorrectAgent:
		output <- original

		ic.threadMu.Lock()
		threadID := ic.currentThreadID
		ic.threadMu.Unlock()

		if threadID == "" {
			output <- buildNotification(SupervisorCorrection, map[string]any{
				"message": "issue detected but cannot send correction (no threadId): " + act.correct,
			})
			return
		}

		correctionFrame, err := buildTurnStartFrame(uuid.New().String(), threadID, act.correct)
		if err != nil {
			log.Warn().Err(err).Msg("failed to build correction frame")
			return
		}
		sendToServer(toServer, stopping, correctionFrame)
		output <- buildNotification(SupervisorCorrection, map[string]any{
			"message": "corrected: " + act.correct,
		})
	}
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
