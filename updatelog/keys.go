package updatelog

import (
	"encoding/binary"

	"github.com/maxpert/branchsync/id"
	"github.com/maxpert/branchsync/records"
)

// Key prefixes. Branch scoped keys use the branch namespace of
// id.BranchNamespace(id.ModeBranch, ...) as their suffix.
const (
	prefixLog          = "/log/"    // /log/{ns}\x00{seq:8B} -> "<update>:<ms>"
	prefixLogSeq       = "/logseq/" // /logseq/{ns} -> uint64 last seq
	prefixBranchSize   = "/bsize/"  // /bsize/{ns} -> int64
	prefixMerge        = "/merge/"  // /merge/{ns} -> int64 last merge timestamp
	prefixInstSize     = "/isize/"  // /isize/{record}\x00{inst} -> int64
	prefixInstBranches = "/lbr/"    // /lbr/{record}\x00{inst}\x00{branch} -> ""
)

const sep = "\x00"

// Namespace returns the flat namespace a branch's keys are stored under
func Namespace(key records.BranchKey) string {
	return id.BranchNamespace(id.ModeBranch, key.RecordName, key.Inst, key.Branch)
}

func logPrefix(ns string) []byte {
	return []byte(prefixLog + ns + sep)
}

func logKey(ns string, seq uint64) []byte {
	p := logPrefix(ns)
	k := make([]byte, len(p)+8)
	copy(k, p)
	binary.BigEndian.PutUint64(k[len(p):], seq)
	return k
}

func seqKey(ns string) []byte        { return []byte(prefixLogSeq + ns) }
func branchSizeKey(ns string) []byte { return []byte(prefixBranchSize + ns) }
func mergeKey(ns string) []byte      { return []byte(prefixMerge + ns) }

func instSizeKey(recordName, inst string) []byte {
	return []byte(prefixInstSize + recordName + sep + inst)
}

func instBranchesPrefix(recordName, inst string) []byte {
	return []byte(prefixInstBranches + recordName + sep + inst + sep)
}

func instBranchKey(recordName, inst, branch string) []byte {
	return append(instBranchesPrefix(recordName, inst), branch...)
}

// PrefixUpperBound returns the smallest key greater than every key starting
// with prefix, for iterator bounds and range deletes.
func PrefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // Prefix is all 0xff
}

func encodeInt(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodeInt(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
