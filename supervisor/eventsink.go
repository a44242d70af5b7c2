package supervisor

// EventSink receives progress notifications emitted during a supervision
// turn, so the interceptor can re-emit them to the UI as
// supervisor/thinking and supervisor/toolCall frames. A nil EventSink is
// valid: every emit call on the agent checks for nil first.
type EventSink interface {
	Thinking(status, message string, durationMs int64)
	ToolCall(status, tool, args, output string, durationMs int64, success bool)
}

func emitThinking(sink EventSink, status, message string, durationMs int64) {
	if sink != nil {
		sink.Thinking(status, message, durationMs)
	}
}

func emitToolCall(sink EventSink, status, tool, args, output string, durationMs int64, success bool) {
	if sink != nil {
		sink.ToolCall(status, tool, args, output, durationMs, success)
	}
}
