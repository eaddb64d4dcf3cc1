// Package memoryx extracts durable user facts (claims) from a completed
// exchange. Extraction is a bounded pattern scan over the prompt; the model
// response is never mined, because the user's own words are the only
// trustworthy source of facts about the user.
package memoryx

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/relay/pkg/types"
)

// Caps on what a single exchange may contribute.
const (
	maxClaimsPerExchange = 5
	maxStatementLen      = 240
)

// claimPattern maps a leading phrase to the subject recorded for the claim.
type claimPattern struct {
	prefix  string
	subject string
}

var claimPatterns = []claimPattern{
	{"my name is ", "identity"},
	{"call me ", "identity"},
	{"i prefer ", "preference"},
	{"i like ", "preference"},
	{"i don't like ", "preference"},
	{"i work at ", "work"},
	{"i work on ", "work"},
	{"i am working on ", "work"},
	{"i use ", "tooling"},
	{"remember that ", "note"},
	{"note that ", "note"},
}

// Extract scans the prompt for durable first-person statements and returns
// them as claims. Anonymous users yield nothing: there is no stable identity
// to attach a fact to.
func Extract(userID, requestID, prompt string) []types.Claim {
	if userID == "" || userID == types.AnonUser {
		return nil
	}

	var claims []types.Claim
	now := time.Now()
	for _, sentence := range splitSentences(prompt) {
		lower := strings.ToLower(strings.TrimSpace(sentence))
		if lower == "" {
			continue
		}
		for _, pat := range claimPatterns {
			idx := strings.Index(lower, pat.prefix)
			if idx < 0 {
				continue
			}
			statement := strings.TrimSpace(sentence[idx:])
			if len(statement) < len(pat.prefix)+2 {
				continue // nothing after the phrase
			}
			if len(statement) > maxStatementLen {
				statement = statement[:maxStatementLen]
			}
			claims = append(claims, types.Claim{
				ID:        uuid.NewString(),
				UserID:    userID,
				RequestID: requestID,
				Subject:   pat.subject,
				Statement: statement,
				CreatedAt: now,
			})
			break // one claim per sentence
		}
		if len(claims) >= maxClaimsPerExchange {
			break
		}
	}
	return claims
}

func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
}
