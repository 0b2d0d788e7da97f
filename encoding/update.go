package encoding

import (
	"strconv"
	"strings"
)

// NoTimestamp is reported for legacy entries stored without a timestamp suffix.
const NoTimestamp int64 = -1

// FormatUpdate serializes an update for storage as "<update>:<unixMillis>".
func FormatUpdate(update string, unixMillis int64) string {
	return update + ":" + strconv.FormatInt(unixMillis, 10)
}

// ParseUpdate splits a stored entry on its last ':'. Entries without a colon
// or with a non-numeric suffix are legacy entries and come back whole with
// NoTimestamp.
func ParseUpdate(stored string) (update string, unixMillis int64) {
	idx := strings.LastIndexByte(stored, ':')
	if idx < 0 {
		return stored, NoTimestamp
	}
	ts, err := strconv.ParseInt(stored[idx+1:], 10, 64)
	if err != nil {
		return stored, NoTimestamp
	}
	return stored[:idx], ts
}

// ParseUpdates splits stored entries back into parallel update and timestamp arrays.
func ParseUpdates(stored []string) (updates []string, timestamps []int64) {
	updates = make([]string, len(stored))
	timestamps = make([]int64, len(stored))
	for i, s := range stored {
		updates[i], timestamps[i] = ParseUpdate(s)
	}
	return updates, timestamps
}
