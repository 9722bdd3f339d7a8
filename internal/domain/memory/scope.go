package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ResolveSessionScope computes a stable scope id for a (source, sourceId,
// userId) triple, per spec.md §4.3: "Session scope resolution is owned
// here ... so that downstream uses — memory filtering, rate limiting,
// per-channel profile lookups — agree." Message Bus and the HITL Proxy
// call this same function rather than deriving their own scope id.
func ResolveSessionScope(source, sourceID, userID string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%s", source, sourceID, userID)))
	return hex.EncodeToString(h[:12])
}
