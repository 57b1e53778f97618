package records

import "testing"

func TestExpand(t *testing.T) {
	t.Parallel()

	r := New("First", "Ada", "Last", "Lovelace", "Account", New("Key", "acct-1"))

	tests := []struct {
		tmpl     string
		want     string
		complete bool
	}{
		{"${First} ${Last}", "Ada Lovelace", true},
		{"${Account.Key}-c", "acct-1-c", true},
		{"${First}-${Middle}", "Ada-", false},
		{"plain", "plain", true},
	}
	for _, tc := range tests {
		got, complete := Expand(tc.tmpl, r)
		if got != tc.want || complete != tc.complete {
			t.Fatalf("Expand(%q) = (%q,%v), want (%q,%v)", tc.tmpl, got, complete, tc.want, tc.complete)
		}
	}
}

func TestExpandConstantsDeep(t *testing.T) {
	t.Parallel()

	consts := map[string]string{"ORG": "demo", "DOMAIN": "example.test"}
	in := map[string]any{
		"Email": "ops@{{DOMAIN}}",
		"Tags":  []any{"{{ORG}}", "{{UNKNOWN}}"},
		"Rec":   New("Site", "{{ORG}}.{{DOMAIN}}"),
	}
	out := ExpandConstantsDeep(in, consts).(map[string]any)

	if out["Email"] != "ops@example.test" {
		t.Fatalf("Email = %v", out["Email"])
	}
	tags := out["Tags"].([]any)
	if tags[0] != "demo" || tags[1] != "{{UNKNOWN}}" {
		t.Fatalf("Tags = %v", tags)
	}
	if got := out["Rec"].(Record).Get("Site"); got != "demo.example.test" {
		t.Fatalf("Rec.Site = %v", got)
	}
	if in["Email"] != "ops@{{DOMAIN}}" {
		t.Fatalf("input mutated")
	}
}
