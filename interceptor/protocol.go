// Package interceptor implements C12: the message router sitting between
// the assistant subprocess and the UI, accumulating per-thread agent
// output and dispatching every frame to the supervisor agent.
//
// Grounded on original_source/src/protocol.rs for the wire vocabulary and
// original_source/src/interceptor.rs for the routing/classifier shape,
// re-expressed with goroutines and channels in place of tokio tasks.
package interceptor

import (
	"encoding/json"
)

// Method names the interceptor sends to the assistant.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized"
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodThreadRead    = "thread/read"
	MethodThreadList    = "thread/list"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
)

// Notification methods the interceptor observes from the assistant.
const (
	NotifyTurnStarted            = "turn/started"
	NotifyTurnCompleted          = "turn/completed"
	NotifyTurnPlanUpdated        = "turn/plan/updated"
	NotifyItemStarted            = "item/started"
	NotifyItemCompleted          = "item/completed"
	NotifyItemAgentMessageDelta  = "item/agentMessage/delta"
	NotifyItemPlanDelta          = "item/plan/delta"
	NotifyRequestUserInput       = "item/tool/requestUserInput"
	NotifyRequestApproval        = "item/commandExecution/requestApproval"
	NotifyFileChangeApproval     = "item/fileChange/requestApproval"
	NotifyError                  = "error"
)

// Notification methods the interceptor emits southbound to the UI.
const (
	SupervisorStatus     = "supervisor/status"
	SupervisorThinking   = "supervisor/thinking"
	SupervisorToolCall   = "supervisor/toolCall"
	SupervisorCheck      = "supervisor/check"
	SupervisorViolation  = "supervisor/violation"
	SupervisorCorrection = "supervisor/correction"
)

// frame is the generic shape used to read both notifications and
// responses off the assistant's stdout without committing to one schema.
type frame struct {
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// IsPlanUpdate reports whether method is one of the two plan-update
// notifications, which the classifier always forwards unexamined.
func IsPlanUpdate(method string) bool {
	return method == NotifyTurnPlanUpdated || method == NotifyItemPlanDelta
}

// extractThreadIDFromResult pulls result.thread.id out of a thread/start or
// thread/resume response, the one place a thread id is first observed.
func extractThreadIDFromResult(result json.RawMessage) (string, bool) {
	if len(result) == 0 {
		return "", false
	}
	var v struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(result, &v); err != nil {
		return "", false
	}
	if v.Thread.ID == "" {
		return "", false
	}
	return v.Thread.ID, true
}

// extractThreadIDFromParams pulls params.threadId out of a notification,
// present on most but not all of the notification types the assistant
// emits.
func extractThreadIDFromParams(params json.RawMessage) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	var v struct {
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return "", false
	}
	if v.ThreadID == "" {
		return "", false
	}
	return v.ThreadID, true
}

// extractAgentMessageDelta pulls params.delta out of an
// item/agentMessage/delta notification.
func extractAgentMessageDelta(params json.RawMessage) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	var v struct {
		Delta string `json:"delta"`
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return "", false
	}
	if v.Delta == "" {
		return "", false
	}
	return v.Delta, true
}

// extractTurnStartTexts pulls every input[].text out of a turn/start
// request's params, for recording user turns on the way in.
func extractTurnStartTexts(params json.RawMessage) []string {
	if len(params) == 0 {
		return nil
	}
	var v struct {
		Input []struct {
			Text string `json:"text"`
		} `json:"input"`
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return nil
	}
	var texts []string
	for _, item := range v.Input {
		if item.Text != "" {
			texts = append(texts, item.Text)
		}
	}
	return texts
}

// buildTurnStartFrame constructs the synthetic turn/start request sent to
// the assistant as a correction, matching the wire shape exactly:
// {jsonrpc, method, id, params:{threadId, input:[{type:"text", text,
// textElements:[]}]}}.
func buildTurnStartFrame(id string, threadID, text string) (string, error) {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"method":  MethodTurnStart,
		"id":      id,
		"params": map[string]any{
			"threadId": threadID,
			"input": []map[string]any{
				{
					"type":         "text",
					"text":         text,
					"textElements": []any{},
				},
			},
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// buildNotification constructs a {method, params} frame with no id, the
// shape every supervisor/* southbound notification uses.
func buildNotification(method string, params map[string]any) string {
	payload := map[string]any{
		"method": method,
		"params": params,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return `{"method":"` + method + `","params":{}}`
	}
	return string(b)
}
