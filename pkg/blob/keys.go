package blob

import (
	"path"
	"strconv"
	"strings"
)

// EarliestBackup picks the backup key with the smallest numeric timestamp
// encoded in the filename (e.g. app-user-messages/u1/1700000000.json).
// Equal timestamps are broken lexicographically on the full key so the
// choice is deterministic. Keys whose basename is not numeric are ignored;
// the empty string is returned when no key qualifies.
func EarliestBackup(keys []string) string {
	best := ""
	var bestTS int64
	for _, key := range keys {
		ts, ok := backupTimestamp(key)
		if !ok {
			continue
		}
		if best == "" || ts < bestTS || (ts == bestTS && key < best) {
			best = key
			bestTS = ts
		}
	}
	return best
}

func backupTimestamp(key string) (int64, bool) {
	name := strings.TrimSuffix(path.Base(key), ".json")
	ts, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
