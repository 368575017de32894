package channels

import "testing"

func TestPatternMatch(t *testing.T) {
	pattern, err := CompilePattern("private-user.{userId}")
	if err != nil {
		t.Fatalf("CompilePattern: %v", err)
	}

	params, ok := pattern.Match("private-user.123")
	if !ok {
		t.Fatal("expected match")
	}
	if params["userId"] != "123" {
		t.Fatalf("expected userId=123, got %v", params)
	}

	if _, ok := pattern.Match("private-user.123.extra"); ok {
		t.Fatal("placeholder must not cross dot boundaries")
	}
	if _, ok := pattern.Match("private-userX123"); ok {
		t.Fatal("literal dot must not match other characters")
	}
	if _, ok := pattern.Match("private-user."); ok {
		t.Fatal("placeholder must bind at least one character")
	}
}

func TestPatternMultipleSegments(t *testing.T) {
	pattern, err := CompilePattern("presence-chat.{roomId}.user.{userId}")
	if err != nil {
		t.Fatalf("CompilePattern: %v", err)
	}
	params, ok := pattern.Match("presence-chat.lobby.user.42")
	if !ok {
		t.Fatal("expected match")
	}
	if params["roomId"] != "lobby" || params["userId"] != "42" {
		t.Fatalf("unexpected params %v", params)
	}
}

func TestPatternLiteralOnly(t *testing.T) {
	pattern, err := CompilePattern("news")
	if err != nil {
		t.Fatalf("CompilePattern: %v", err)
	}
	if _, ok := pattern.Match("news"); !ok {
		t.Fatal("expected literal match")
	}
	if _, ok := pattern.Match("news.more"); ok {
		t.Fatal("anchoring failed")
	}
}

func TestPatternRoundTrip(t *testing.T) {
	// Substituting values into the template and matching the result must
	// recover exactly the substitution.
	cases := []struct {
		template string
		name     string
		want     map[string]string
	}{
		{"orders.{region}.{id}", "orders.eu.9001", map[string]string{"region": "eu", "id": "9001"}},
		{"private-team.{teamId}", "private-team.alpha-1", map[string]string{"teamId": "alpha-1"}},
	}
	for _, tc := range cases {
		pattern, err := CompilePattern(tc.template)
		if err != nil {
			t.Fatalf("%s: %v", tc.template, err)
		}
		params, ok := pattern.Match(tc.name)
		if !ok {
			t.Fatalf("%s: expected %s to match", tc.template, tc.name)
		}
		for key, want := range tc.want {
			if params[key] != want {
				t.Fatalf("%s: expected %s=%s, got %v", tc.template, key, want, params)
			}
		}
	}
}
