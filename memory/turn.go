// Package memory implements the session-state components of the
// supervision engine: the append-only conversation archive (C1), the
// in-memory/text-persisted session state (C2), the supervisor's own
// notebook (C3), per-thread snapshotting (C4), prompt assembly (C5), and
// context-window compaction (C6).
//
// Grounded on _examples/original_source/src/memory/*.rs for exact
// semantics, and on the teacher repo's agent/session.go atomic-write
// pattern for Go persistence idiom.
package memory

import (
	"time"

	"github.com/relaycode/turnguard/internal/tokens"
)

// Role identifies who spoke a conversation turn.
type Role string

const (
	RoleEndUser            Role = "user"
	RoleAssistant           Role = "assistant"
	RoleSupervisor          Role = "supervisor"
	RoleEndUserToSupervisor Role = "user_to_supervisor"
)

// Turn is one immutable, timestamped entry in the conversation archive or
// in-memory history window.
type Turn struct {
	Timestamp time.Time `json:"timestamp"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
}

// NewTurn builds a Turn with its token estimate precomputed.
func NewTurn(role Role, content string) Turn {
	return Turn{
		Timestamp: time.Now().UTC(),
		Role:      role,
		Content:   content,
		Tokens:    tokens.Estimate(content),
	}
}
