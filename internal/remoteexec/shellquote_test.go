package remoteexec

import "testing"

func TestQuote(t *testing.T) {
	cases := map[string]string{
		"":           "''",
		"simple":     "'simple'",
		"a b":        "'a b'",
		"it's":       `'it'\''s'`,
		"$(rm -rf /)": `'$(rm -rf /)'`,
	}
	for in, want := range cases {
		if got := Quote(in); got != want {
			t.Errorf("Quote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestQuoteAll(t *testing.T) {
	got := QuoteAll("docker", "inspect", "my site")
	want := "'docker' 'inspect' 'my site'"
	if got != want {
		t.Errorf("QuoteAll = %q, want %q", got, want)
	}
}
