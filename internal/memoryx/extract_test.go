package memoryx

import (
	"strings"
	"testing"

	"github.com/normanking/relay/pkg/types"
)

func TestExtractBasic(t *testing.T) {
	claims := Extract("alice", "r1", "My name is Alice. I work at Initech. Please summarize this doc.")
	if len(claims) != 2 {
		t.Fatalf("expected 2 claims, got %d", len(claims))
	}
	if claims[0].Subject != "identity" {
		t.Errorf("first claim subject = %s, want identity", claims[0].Subject)
	}
	if claims[1].Subject != "work" {
		t.Errorf("second claim subject = %s, want work", claims[1].Subject)
	}
	for _, c := range claims {
		if c.ID == "" || c.UserID != "alice" || c.RequestID != "r1" {
			t.Errorf("claim not fully populated: %+v", c)
		}
	}
}

func TestExtractAnonymousYieldsNothing(t *testing.T) {
	if claims := Extract(types.AnonUser, "r1", "My name is Bob."); claims != nil {
		t.Errorf("anonymous users must yield no claims, got %d", len(claims))
	}
	if claims := Extract("", "r1", "My name is Bob."); claims != nil {
		t.Errorf("empty user must yield no claims, got %d", len(claims))
	}
}

func TestExtractBounded(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 20; i++ {
		b.WriteString("I prefer tabs over spaces. ")
	}
	claims := Extract("alice", "r1", b.String())
	if len(claims) > maxClaimsPerExchange {
		t.Errorf("claims must be capped at %d, got %d", maxClaimsPerExchange, len(claims))
	}
}

func TestExtractNoFacts(t *testing.T) {
	if claims := Extract("alice", "r1", "What is the capital of France?"); len(claims) != 0 {
		t.Errorf("plain question must yield no claims, got %d", len(claims))
	}
}

func TestExtractTruncatesLongStatements(t *testing.T) {
	long := "Remember that " + strings.Repeat("x", 500)
	claims := Extract("alice", "r1", long)
	if len(claims) != 1 {
		t.Fatalf("expected 1 claim, got %d", len(claims))
	}
	if len(claims[0].Statement) > maxStatementLen {
		t.Errorf("statement not truncated: %d bytes", len(claims[0].Statement))
	}
}
