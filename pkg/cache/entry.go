// Package cache stores completed conversation turns keyed by a fingerprint of
// the request that produced them.
//
// Entries carry an absolute expiry. Expired entries are never served: Get
// drops them lazily and a Cleaner sweeps the rest on an interval. Concurrent
// writers of one fingerprint resolve by last-write-wins on CreatedAt.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/entrhq/relay/pkg/types"
)

// Entry is one cached response.
type Entry struct {
	Fingerprint string
	Provider    types.Provider
	SessionName string
	Model       string

	// Payload is the assistant reply.
	Payload string

	// ConversationURL is the page the reply was read from, used to continue the
	// conversation without replaying it.
	ConversationURL string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its expiry at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Fingerprint identifies a request by everything that determines its reply:
// provider, session, model and the ordered messages. Each field is length
// prefixed so no two distinct requests encode alike.
func Fingerprint(p types.Provider, sessionName, model string, messages []types.Message) string {
	h := sha256.New()
	write := func(s string) {
		fmt.Fprintf(h, "%d:%s;", len(s), s)
	}
	write(string(p))
	write(sessionName)
	write(model)
	fmt.Fprintf(h, "%d;", len(messages))
	for _, m := range messages {
		write(string(m.Role))
		write(m.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}
