package telephony

import (
	"net/url"
	"testing"
)

func TestParseBracketForm(t *testing.T) {
	v := url.Values{}
	v.Set("leads[note][0][note][note_type]", "10")
	v.Set("leads[note][0][note][params][UNIQ]", "abc")
	v.Set("account[id]", "42")
	v.Set("plain", "x")
	v.Set("broken[key", "y")

	tree := ParseBracketForm(v)
	if got := Str(tree, "leads", "note", "0", "note", "note_type"); got != "10" {
		t.Fatalf("expected note_type 10, got %q", got)
	}
	if got := Str(tree, "leads", "note", "0", "note", "params", "UNIQ"); got != "abc" {
		t.Fatalf("expected UNIQ abc, got %q", got)
	}
	if got := Str(tree, "account", "id"); got != "42" {
		t.Fatalf("expected account id, got %q", got)
	}
	if Str(tree, "plain") != "x" || Str(tree, "broken[key") != "y" {
		t.Fatalf("expected literal keys preserved: %+v", tree)
	}
	if Sub(tree, "leads", "note", "0") == nil {
		t.Fatalf("expected subtree")
	}
	if _, ok := Lookup(tree, "leads", "missing"); ok {
		t.Fatalf("expected missing path")
	}
}

func TestParseBracketForm_CollisionPrefersMap(t *testing.T) {
	v := url.Values{}
	v.Set("a", "scalar")
	v.Set("a[b]", "nested")
	tree := ParseBracketForm(v)
	if Str(tree, "a", "b") != "nested" {
		t.Fatalf("expected nested value to win, got %+v", tree)
	}
}
