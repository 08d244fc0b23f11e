package sanitize

import "testing"

func TestSanitize_CollapsesSpacing(t *testing.T) {
	in := "First paragraph.\n\n\n\nSecond paragraph.\n-\nThird."
	want := "First paragraph.\n\nSecond paragraph.\n\nThird."
	if got := Sanitize(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSanitize_DemotesFakeHeading(t *testing.T) {
	in := "1. Getting there:\n- take the metro\n- or a taxi"
	want := "**Getting there:**\n- take the metro\n- or a taxi"
	if got := Sanitize(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSanitize_StripsHeadingPrefixes(t *testing.T) {
	in := "## Morning plan\ntext"
	want := "Morning plan\ntext"
	if got := Sanitize(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSanitize_RenumbersContiguousList(t *testing.T) {
	in := "5. A\n9. B\n1. C"
	want := "1. A\n2. B\n3. C"
	if got := Sanitize(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSanitize_BlankLineRestartsNumbering(t *testing.T) {
	in := "5. A\n9. B\n\n1. C"
	want := "1. A\n2. B\n\n1. C"
	if got := Sanitize(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSanitize_BoldLabelRestartsNumbering(t *testing.T) {
	in := "3. first\n7. second\n**Costs:**\n9. entry fee"
	want := "1. first\n2. second\n**Costs:**\n1. entry fee"
	if got := Sanitize(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSanitize_ParenNumberingNormalized(t *testing.T) {
	in := "2) first stop\n5) second stop"
	want := "1. first stop\n2. second stop"
	if got := Sanitize(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSanitize_IndentPreserved(t *testing.T) {
	in := "  4. nested item\n  9. another"
	want := "  1. nested item\n  2. another"
	if got := Sanitize(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	inputs := []string{
		"",
		"plain text, nothing to do",
		"First.\n\n\n\nSecond.\n-\n•\nThird.",
		"1. Getting there:\n- metro\n\n5. A\n9. B\n\n1. C",
		"## Heading\n3. one\n4. two\n\n2. restart",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		if once != twice {
			t.Errorf("not idempotent for %q:\nonce:  %q\ntwice: %q", in, once, twice)
		}
	}
}
