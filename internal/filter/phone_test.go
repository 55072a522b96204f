package filter

import "testing"

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+7 916 123-45-67":  "+79161234567",
		"8 (916) 123-45-67": "+79161234567",
		"79161234567":       "+79161234567",
	}
	for in, want := range cases {
		got, ok := NormalizePhone(in, "RU")
		if !ok || got != want {
			t.Fatalf("NormalizePhone(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	if _, ok := NormalizePhone("", "RU"); ok {
		t.Fatalf("expected empty input to fail")
	}
}

func TestPhoneIn(t *testing.T) {
	list := []string{"+7 (916) 123 45 67", "+1 202 555 0100"}
	if !PhoneIn("89161234567", list, "RU") {
		t.Fatalf("expected match across formats")
	}
	if PhoneIn("+79160000000", list, "RU") {
		t.Fatalf("expected no match")
	}
}
