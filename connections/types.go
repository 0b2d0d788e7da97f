// Package connections tracks which devices are connected to which branches,
// their rate-limit state and a short-lived authorization cache.
package connections

import (
	"fmt"

	"github.com/maxpert/branchsync/id"
)

// Connection is one device session as seen by a server
type Connection struct {
	ServerConnectionID string `json:"serverConnectionId"`
	ClientConnectionID string `json:"clientConnectionId"`
	UserID             string `json:"userId,omitempty"`
	SessionID          string `json:"sessionId,omitempty"`
	Token              string `json:"token,omitempty"`
	ConnectedAt        int64  `json:"connectedAt"`
}

// BranchConnection is a connection subscribed to a branch in a mode
type BranchConnection struct {
	Connection
	Mode       id.Mode `json:"mode"`
	RecordName string  `json:"recordName"`
	Inst       string  `json:"inst"`
	Branch     string  `json:"branch"`
}

// Namespace returns the subscriber set key of the subscription
func (bc BranchConnection) Namespace() string {
	return id.BranchNamespace(bc.Mode, bc.RecordName, bc.Inst, bc.Branch)
}

// Scope of an authorization entry
type Scope uint8

const (
	// ScopeToken holds read eligibility. Lives until the connection goes away.
	ScopeToken Scope = iota + 1
	// ScopeUpdateData holds write eligibility. Expires after the configured TTL.
	ScopeUpdateData
)

func (s Scope) String() string {
	switch s {
	case ScopeToken:
		return "token"
	case ScopeUpdateData:
		return "updateData"
	default:
		return fmt.Sprintf("scope(%d)", uint8(s))
	}
}

type authKey struct {
	connID     string
	recordName string
	inst       string
	scope      Scope
}
