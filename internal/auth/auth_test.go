package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/normanking/relay/pkg/types"
)

func service() *Service {
	return NewService([]Token{
		{Secret: "s3cret", UserID: "norman", Scopes: []string{"replay"}},
		{Secret: "", UserID: "ignored"},
	})
}

func TestIdentifyValidToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ask/status", nil)
	r.Header.Set("Authorization", "Bearer s3cret")

	p := service().Identify(r)
	if p.UserID != "norman" {
		t.Errorf("user = %q", p.UserID)
	}
	if !p.Scopes["replay"] {
		t.Error("scope missing")
	}
}

func TestIdentifyMissingOrBadToken(t *testing.T) {
	cases := map[string]string{
		"no header":    "",
		"wrong scheme": "Basic s3cret",
		"wrong token":  "Bearer nope",
		"empty bearer": "Bearer ",
	}
	for name, header := range cases {
		r := httptest.NewRequest("GET", "/", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		if p := service().Identify(r); p.UserID != types.AnonUser {
			t.Errorf("%s: user = %q, want anon", name, p.UserID)
		}
	}
}
