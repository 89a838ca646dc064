package sourcesync

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Fingerprint computes a stable content hash over the sync-relevant
// fields of an external snapshot. Two snapshots that agree on those
// fields hash identically regardless of when or how they were fetched;
// volatile fields such as view counters are excluded so they can never
// manufacture drift. This hash is the only conflict-detection primitive
// the engine trusts, since the external platform offers no version
// number worth relying on.
//
// Venue address and cover image are carried along by merges but not
// fingerprinted, so a remote edit touching only those fields does not
// read as drift and waits for a fingerprinted field to change.
func Fingerprint(snap Snapshot) string {
	h := sha256.New()
	writeField(h, "name", snap.Name)
	writeField(h, "description", snap.Description)
	writeField(h, "start", canonicalTime(snap.StartAt))
	writeField(h, "end", canonicalTime(snap.EndAt))
	writeField(h, "venue", snap.VenueName)
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h interface{ Write(p []byte) (int, error) }, name, value string) {
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{'='})
	_, _ = h.Write([]byte(strings.TrimSpace(value)))
	_, _ = h.Write([]byte{'\n'})
}

func canonicalTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}
