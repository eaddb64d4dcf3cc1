// Package selfcheck scores a completed response for obvious quality failures
// and decides whether the request should be escalated to the heavy model.
// The score is a deterministic heuristic, not a judgment call: same inputs,
// same score.
package selfcheck

import (
	"strings"

	"github.com/normanking/relay/internal/policy"
	"github.com/normanking/relay/pkg/types"
)

// Component weights. Length adequacy dominates because a truncated or empty
// answer is the failure mode escalation exists for.
const (
	weightLength   = 0.40
	weightOverlap  = 0.30
	weightCues     = 0.20
	weightHedging  = 0.10
	hedgingPenalty = 0.5
)

// Minimum useful word counts per intent. Smalltalk is fine with a sentence;
// analysis and research need substance.
var targetWords = map[types.Intent]int{
	types.IntentSmalltalk: 3,
	types.IntentChat:      10,
	types.IntentSearch:    15,
	types.IntentRecall:    10,
	types.IntentCode:      20,
	types.IntentOps:       15,
	types.IntentAnalysis:  60,
	types.IntentResearch:  80,
}

var reasoningCues = []string{
	"because", "therefore", "first", "second", "however", "for example",
	"in summary", "step", "specifically", "this means",
}

var hedgingPhrases = []string{
	"i don't know", "i cannot help", "i'm not sure", "as an ai",
	"i am unable", "cannot answer",
}

// Input bundles everything the scorer looks at.
type Input struct {
	Prompt   string
	Response string
	Intent   types.Intent
	DocIDs   []string
}

// Score rates a response in [0,1]. Empty responses score 0.
func Score(in Input) float64 {
	response := strings.TrimSpace(in.Response)
	if response == "" {
		return 0
	}
	lower := strings.ToLower(response)

	score := weightLength*lengthScore(response, in.Intent) +
		weightOverlap*overlapScore(in.Prompt, lower) +
		weightCues*cueScore(lower) +
		weightHedging

	for _, phrase := range hedgingPhrases {
		if strings.Contains(lower, phrase) {
			score -= hedgingPenalty
			break
		}
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// lengthScore is the word count relative to the intent's target, capped at 1.
func lengthScore(response string, intent types.Intent) float64 {
	target := targetWords[intent]
	if target == 0 {
		target = targetWords[types.IntentChat]
	}
	words := len(strings.Fields(response))
	if words >= target {
		return 1
	}
	return float64(words) / float64(target)
}

// overlapScore measures how many content words of the prompt the response
// touches. A response that shares no vocabulary with the question is likely
// off-topic.
func overlapScore(prompt, lowerResponse string) float64 {
	words := strings.Fields(strings.ToLower(prompt))
	content := 0
	hit := 0
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) < 4 {
			continue // skip stopword-sized tokens
		}
		content++
		if strings.Contains(lowerResponse, w) {
			hit++
		}
	}
	if content == 0 {
		return 1
	}
	return float64(hit) / float64(content)
}

// cueScore rewards structured reasoning markers, saturating at three.
func cueScore(lowerResponse string) float64 {
	hits := 0
	for _, cue := range reasoningCues {
		if strings.Contains(lowerResponse, cue) {
			hits++
			if hits >= 3 {
				return 1
			}
		}
	}
	return float64(hits) / 3
}

// ═══════════════════════════════════════════════════════════════════════════════
// ESCALATION DECISION
// ═══════════════════════════════════════════════════════════════════════════════

// ShouldEscalate decides whether a scored response warrants one retry on the
// heavy primary model. Escalation happens at most once per request, never
// when retries are disabled, and never while the quota brake is on.
func ShouldEscalate(score float64, rules *policy.Rules, alreadyEscalated bool) bool {
	if alreadyEscalated {
		return false
	}
	if rules.MaxRetriesPerRequest <= 0 {
		return false
	}
	if rules.BudgetQuotaBreached {
		return false
	}
	return score < rules.SelfCheckFailThreshold
}
