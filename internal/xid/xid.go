package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns a prefixed, time-sortable identifier. Entropy comes from
// crypto/rand; the timestamp fallback only triggers if the random source
// fails.
func New(prefix string) string {
	now := time.Now().UTC()
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, now.UnixNano())
	}
	return fmt.Sprintf("%s-%x-%s", prefix, now.UnixMilli(), hex.EncodeToString(buf))
}
