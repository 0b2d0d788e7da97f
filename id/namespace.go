package id

import (
	"fmt"
	"strings"
)

// Mode is the kind of subscription a connection holds on a branch.
type Mode uint8

const (
	// ModeBranch is an editing subscription
	ModeBranch Mode = iota + 1
	// ModeWatchBranch observes presence only
	ModeWatchBranch
)

func (m Mode) String() string {
	switch m {
	case ModeBranch:
		return "branch"
	case ModeWatchBranch:
		return "watch_branch"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Valid reports whether m is one of the known modes
func (m Mode) Valid() bool {
	return m == ModeBranch || m == ModeWatchBranch
}

func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid connection mode %d", uint8(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode maps the wire name of a mode back to its value
func ParseMode(s string) (Mode, error) {
	switch s {
	case "branch":
		return ModeBranch, nil
	case "watch_branch":
		return ModeWatchBranch, nil
	}
	return 0, fmt.Errorf("unknown connection mode %q", s)
}

// BranchNamespace flattens a branch subscription into "/{mode}/{record}/{inst}/{branch}".
// Record and inst names must not contain '/'; the branch name may.
func BranchNamespace(mode Mode, recordName, inst, branch string) string {
	var sb strings.Builder
	sb.Grow(len(recordName) + len(inst) + len(branch) + 16)
	sb.WriteByte('/')
	sb.WriteString(mode.String())
	sb.WriteByte('/')
	sb.WriteString(recordName)
	sb.WriteByte('/')
	sb.WriteString(inst)
	sb.WriteByte('/')
	sb.WriteString(branch)
	return sb.String()
}

// Namespace is BranchNamespace for an existing key
func (k BranchKey) Namespace(mode Mode) string {
	return BranchNamespace(mode, k.RecordName, k.Inst, k.Branch)
}

// BranchFromNamespace reverses BranchNamespace. ok is false when ns was not
// produced for the given mode.
func BranchFromNamespace(mode Mode, ns string) (BranchKey, bool) {
	prefix := "/" + mode.String() + "/"
	if !strings.HasPrefix(ns, prefix) {
		return BranchKey{}, false
	}
	rest := ns[len(prefix):]

	recordEnd := strings.IndexByte(rest, '/')
	if recordEnd < 0 {
		return BranchKey{}, false
	}
	recordName := rest[:recordEnd]
	rest = rest[recordEnd+1:]

	instEnd := strings.IndexByte(rest, '/')
	if instEnd < 0 {
		return BranchKey{}, false
	}

	return BranchKey{
		RecordName: recordName,
		Inst:       rest[:instEnd],
		Branch:     rest[instEnd+1:],
	}, true
}
