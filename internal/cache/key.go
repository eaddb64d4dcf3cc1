// Package cache implements the response cache: deterministic prompt
// fingerprinting, pluggable stores (in-memory and Redis), and a singleflight
// guard so concurrent misses on the same key produce one upstream call.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// KeyVersion is bumped whenever the normalization or key layout changes, so
// stale entries from an older scheme can never be returned.
const KeyVersion = "v1"

// Normalize canonicalizes a prompt for fingerprinting: lowercase with all
// whitespace runs collapsed to single spaces. Two prompts that differ only in
// casing or spacing share a cache entry.
func Normalize(prompt string) string {
	return strings.Join(strings.Fields(strings.ToLower(prompt)), " ")
}

// Key builds the deterministic cache key for (model, prompt, docs). Document
// IDs are hashed individually and sorted so attachment order is irrelevant.
func Key(model, prompt string, docIDs []string) string {
	sum := sha256.Sum256([]byte(Normalize(prompt)))
	promptHash := hex.EncodeToString(sum[:])

	var b strings.Builder
	b.WriteString(KeyVersion)
	b.WriteByte('|')
	b.WriteString(model)
	b.WriteByte('|')
	b.WriteString(promptHash)

	if len(docIDs) > 0 {
		hashes := make([]string, len(docIDs))
		for i, id := range docIDs {
			h := sha256.Sum256([]byte(id))
			hashes[i] = hex.EncodeToString(h[:8])
		}
		sort.Strings(hashes)
		b.WriteByte('|')
		b.WriteString(strings.Join(hashes, ","))
	}
	return b.String()
}
