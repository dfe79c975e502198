package markup

import (
	"strings"
	"testing"
)

func TestRenderSayRecord(t *testing.T) {
	body := string(New().
		WithSay("Hello, how can I help?").
		WithRecord("https://bridge.example.com/webhook/turn?CallSid=call123", 30).
		Render())

	if !strings.HasPrefix(body, "<?xml") {
		t.Errorf("missing XML declaration: %q", body)
	}
	for _, want := range []string{
		"<Say>Hello, how can I help?</Say>",
		`action="https://bridge.example.com/webhook/turn?CallSid=call123"`,
		`maxLength="30"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("response missing %q: %q", want, body)
		}
	}
	if strings.Contains(body, "<Hangup") {
		t.Errorf("unexpected Hangup in record response: %q", body)
	}
}

func TestRenderSayHangup(t *testing.T) {
	body := string(New().
		WithSay("Sorry, something went wrong. Goodbye.").
		WithHangup().
		Render())

	if !strings.Contains(body, "<Hangup></Hangup>") {
		t.Errorf("response missing Hangup: %q", body)
	}
	if strings.Contains(body, "<Record") {
		t.Errorf("unexpected Record alongside Hangup: %q", body)
	}
	// Hangup must follow the spoken apology.
	if strings.Index(body, "<Hangup") < strings.Index(body, "</Say>") {
		t.Errorf("Hangup rendered before Say: %q", body)
	}
}

func TestEscaping(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		raw  string
	}{
		{"ampersand", "Tom & Jerry", "Tom &amp; Jerry", "& "},
		{"less-than", "a < b", "a &lt; b", "< "},
		{"greater-than", "a > b", "a &gt; b", "> "},
		{"double-quote", `say "hi"`, "say &#34;hi&#34;", `"hi"`},
		{"single-quote", "it's fine", "it&#39;s fine", "it's"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := string(New().WithSay(tc.in).WithHangup().Render())
			if !strings.Contains(body, tc.want) {
				t.Errorf("rendered %q, want entity %q", body, tc.want)
			}
			if strings.Contains(body, ">"+tc.raw) || strings.Contains(body, tc.raw+"<") {
				t.Errorf("raw metacharacter leaked into markup: %q", body)
			}
		})
	}
}

func TestAttributeEscaping(t *testing.T) {
	body := string(New().
		WithSay("ok").
		WithRecord("https://bridge.example.com/turn?a=1&b=2", 30).
		Render())

	if !strings.Contains(body, "a=1&amp;b=2") {
		t.Errorf("action URL ampersand not escaped: %q", body)
	}
}
