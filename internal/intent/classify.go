package intent

import (
	"strings"

	"github.com/normanking/relay/pkg/types"
)

// intentRule maps trigger substrings to an intent. Rules are evaluated in
// order; the first hit wins, which keeps classification deterministic.
type intentRule struct {
	intent   types.Intent
	priority int
	triggers []string
}

var intentRules = []intentRule{
	{types.IntentOps, 80, []string{
		"deploy", "rollback", "kubectl", "terraform", "restart the", "provision",
		"ansible", "docker-compose", "scale up", "scale down",
	}},
	{types.IntentResearch, 75, []string{
		"research", "literature", "state of the art", "survey of", "compare approaches",
		"deep dive",
	}},
	{types.IntentAnalysis, 70, []string{
		"analyze", "analysis", "evaluate", "assess", "break down", "pros and cons",
		"trade-off", "tradeoff", "root cause",
	}},
	{types.IntentCode, 60, []string{
		"code", "function", "implement", "refactor", "bug", "stack trace", "compile",
		"unit test", "regex", "sql",
	}},
	{types.IntentRecall, 50, []string{
		"remember", "last time", "previously", "what did i", "recall",
	}},
	{types.IntentSearch, 40, []string{
		"search", "find me", "look up", "latest news", "who is", "where is",
	}},
	{types.IntentSmalltalk, 20, []string{
		"hello", "hi there", "how are you", "good morning", "good night", "thanks",
		"thank you",
	}},
}

// Detect classifies a prompt into one of the fixed intents and returns the
// match priority (higher = more specific). Unmatched prompts are chat.
func Detect(prompt string) (types.Intent, int) {
	lower := strings.ToLower(prompt)
	for _, rule := range intentRules {
		for _, trig := range rule.triggers {
			if strings.Contains(lower, trig) {
				return rule.intent, rule.priority
			}
		}
	}
	// Very short prompts with no signal read as smalltalk.
	if CountWords(prompt) <= 3 {
		return types.IntentSmalltalk, 10
	}
	return types.IntentChat, 0
}
