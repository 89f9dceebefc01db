package detection

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/shortontech/clickgate/internal/event"
)

// Fingerprint hashes header names plus a short value prefix. Names are
// sorted so the result does not depend on wire order.
func Fingerprint(h event.Headers) string {
	parts := make([]string, 0, len(h))
	for _, hd := range h {
		value := hd.Value
		if len(value) > 20 {
			value = value[:20] + "..."
		}
		parts = append(parts, strings.ToLower(hd.Key)+":"+value)
	}
	sort.Strings(parts)

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:8]) // First 8 bytes as hex
}
