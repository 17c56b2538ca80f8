package classify

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestClassifyPlainText(t *testing.T) {
	got := Classify("plain sentence")
	if got.Kind != KindText || got.Text != "plain sentence" || got.Narrative != nil {
		t.Fatalf("unexpected response %#v", got)
	}
}

func TestClassifyFencedNarrative(t *testing.T) {
	raw := "```json\n{\"type\":\"reality\",\"title\":\"T\",\"paragraph\":\"P\",\"choices\":[{\"id\":\"1\",\"label\":\"L\"}]}\n```"
	got := Classify(raw)
	if got.Kind != KindNarrative {
		t.Fatalf("expected narrative, got %#v", got)
	}
	want := &Narrative{Type: "reality", Title: "T", Paragraph: "P", Choices: []Choice{{ID: "1", Label: "L"}}}
	if diff := cmp.Diff(want, got.Narrative); diff != "" {
		t.Fatalf("narrative mismatch (-want +got):\n%s", diff)
	}
}

func TestClassifyFenceWithSurroundingProse(t *testing.T) {
	raw := "Sure, here is a scene:\n```JSON\n{\"type\":\"reality\",\"title\":\"Rain\",\"paragraph\":\"It rains.\",\"choices\":[{\"id\":\"a\",\"label\":\"Run\"},{\"id\":\"b\",\"label\":\"Wait\"}]}\n```\nEnjoy!"
	got := Classify(raw)
	if got.Kind != KindNarrative || got.Narrative.Title != "Rain" || len(got.Narrative.Choices) != 2 {
		t.Fatalf("unexpected response %#v", got)
	}
}

func TestClassifyWholeTextJSON(t *testing.T) {
	raw := `  {"type":"reality","title":"T","paragraph":"P","choices":[{"id":"x","label":"Go"}]}  `
	got := Classify(raw)
	if got.Kind != KindNarrative || got.Narrative.Choices[0].ID != "x" {
		t.Fatalf("unexpected response %#v", got)
	}
}

func TestClassifyFallsBackToText(t *testing.T) {
	cases := []string{
		"{not valid json",
		"```json\n{\"type\":\"reality\",\"title\":\"T\"\n```",
		`{"type":"story","title":"T","paragraph":"P","choices":[{"id":"1","label":"L"}]}`,
		`{"type":"reality","title":"","paragraph":"P","choices":[{"id":"1","label":"L"}]}`,
		`{"type":"reality","title":"T","paragraph":"P","choices":[]}`,
		`{"type":"reality","title":"T","paragraph":"P","choices":[{"id":"","label":"L"}]}`,
		"",
	}
	for _, raw := range cases {
		got := Classify(raw)
		if got.Kind != KindText || got.Text != raw {
			t.Fatalf("expected verbatim text for %q, got %#v", raw, got)
		}
	}
}

func TestClassifyInvalidFenceThenValidWhole(t *testing.T) {
	// The fence holds something else; the whole text is not JSON either.
	raw := "```json\n[1,2,3]\n```"
	if got := Classify(raw); got.Kind != KindText {
		t.Fatalf("expected text, got %#v", got)
	}
}

func TestContinuationAllowsEmptyChoices(t *testing.T) {
	n, ok := Continuation("```json\n{\"type\":\"reality\",\"title\":\"T\",\"paragraph\":\"The end.\",\"choices\":[]}\n```")
	if !ok {
		t.Fatalf("expected continuation to parse")
	}
	if n.Paragraph != "The end." || len(n.Choices) != 0 {
		t.Fatalf("unexpected continuation %#v", n)
	}

	n, ok = Continuation(`{"type":"reality","paragraph":"Fin."}`)
	if !ok || n.Paragraph != "Fin." || len(n.Choices) != 0 {
		t.Fatalf("expected continuation without choices, got %#v %v", n, ok)
	}

	if _, ok := Continuation("just prose"); ok {
		t.Fatalf("prose must not parse as continuation")
	}
}
