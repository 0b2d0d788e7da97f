// Package id holds the composite identifiers used across branchsync: inst ids,
// branch keys, flat branch namespaces and server connection ids.
package id

import "strings"

// InstKey identifies an inst. An empty RecordName is the null record.
type InstKey struct {
	RecordName string `msgpack:"r"`
	Inst       string `msgpack:"i"`
}

// BranchKey identifies a branch inside an inst.
type BranchKey struct {
	RecordName string `msgpack:"r"`
	Inst       string `msgpack:"i"`
	Branch     string `msgpack:"b"`
}

// InstKey returns the inst that owns the branch
func (k BranchKey) InstKey() InstKey {
	return InstKey{RecordName: k.RecordName, Inst: k.Inst}
}

// String renders the key as record/inst/branch for logs
func (k BranchKey) String() string {
	return k.RecordName + "/" + k.Inst + "/" + k.Branch
}

// String renders the key in inst id form
func (k InstKey) String() string {
	return FormatInstID(k.RecordName, k.Inst)
}

// ParseInstID splits an inst id of the form "record/inst" on its first slash.
// A leading slash means the null record. ok is false for an empty id or an id
// without any slash. Ids whose inst part still holds a slash parse, but
// records.ValidateInstKey rejects them.
func ParseInstID(s string) (recordName, inst string, ok bool) {
	if s == "" {
		return "", "", false
	}
	idx := strings.IndexByte(s, '/')
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}

// NormalizeInstID upgrades legacy bare inst names to the "/inst" form.
func NormalizeInstID(s string) string {
	if s == "" {
		return ""
	}
	if strings.IndexByte(s, '/') < 0 {
		return "/" + s
	}
	return s
}

// FormatInstID is the inverse of ParseInstID
func FormatInstID(recordName, inst string) string {
	return recordName + "/" + inst
}
