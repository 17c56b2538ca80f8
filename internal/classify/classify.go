// Package classify turns raw model text into either plain text or a
// structured narrative proposal. It never fails: anything that does not
// validate as a narrative is returned verbatim as text.
package classify

import (
	"encoding/json"
	"regexp"
	"strings"
)

const TypeReality = "reality"

type Kind string

const (
	KindText      Kind = "text"
	KindNarrative Kind = "narrative"
)

type Choice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type Narrative struct {
	Type      string   `json:"type"`
	Title     string   `json:"title"`
	Paragraph string   `json:"paragraph"`
	Choices   []Choice `json:"choices"`
}

// Response is a tagged union; Narrative is set only for KindNarrative.
type Response struct {
	Kind      Kind
	Text      string
	Narrative *Narrative
}

type attempt func(raw string) (*Narrative, bool)

var attempts = []attempt{
	fromFence,
	fromWhole,
}

var fenceRe = regexp.MustCompile("(?is)```(?:json)?[ \\t]*\\r?\\n?(.*?)```")

func Classify(raw string) Response {
	for _, try := range attempts {
		if n, ok := try(raw); ok {
			return Response{Kind: KindNarrative, Text: raw, Narrative: n}
		}
	}
	return Response{Kind: KindText, Text: raw}
}

func fromFence(raw string) (*Narrative, bool) {
	for _, m := range fenceRe.FindAllStringSubmatch(raw, -1) {
		if n, ok := parse(m[1]); ok {
			return n, true
		}
	}
	return nil, false
}

func fromWhole(raw string) (*Narrative, bool) {
	return parse(raw)
}

func parse(s string) (*Narrative, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var n Narrative
	if err := json.Unmarshal([]byte(s), &n); err != nil {
		return nil, false
	}
	n.Choices = cleanChoices(n.Choices)
	if !Valid(n) {
		return nil, false
	}
	return &n, true
}

func cleanChoices(in []Choice) []Choice {
	out := make([]Choice, 0, len(in))
	for _, c := range in {
		c.ID = strings.TrimSpace(c.ID)
		c.Label = strings.TrimSpace(c.Label)
		if c.ID == "" || c.Label == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Valid reports whether n is a complete narrative invite or paragraph.
func Valid(n Narrative) bool {
	return n.Type == TypeReality &&
		strings.TrimSpace(n.Title) != "" &&
		strings.TrimSpace(n.Paragraph) != "" &&
		len(n.Choices) > 0
}

// Continuation is looser than Valid: a continuation may legitimately come
// back with no choices, which ends the story.
func Continuation(raw string) (*Narrative, bool) {
	for _, try := range []func(string) (*Narrative, bool){fenceLoose, looseWhole} {
		if n, ok := try(raw); ok {
			return n, true
		}
	}
	return nil, false
}

func fenceLoose(raw string) (*Narrative, bool) {
	for _, m := range fenceRe.FindAllStringSubmatch(raw, -1) {
		if n, ok := parseLoose(m[1]); ok {
			return n, true
		}
	}
	return nil, false
}

func looseWhole(raw string) (*Narrative, bool) {
	return parseLoose(raw)
}

func parseLoose(s string) (*Narrative, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var n Narrative
	if err := json.Unmarshal([]byte(s), &n); err != nil {
		return nil, false
	}
	if n.Type != TypeReality || strings.TrimSpace(n.Paragraph) == "" {
		return nil, false
	}
	n.Choices = cleanChoices(n.Choices)
	return &n, true
}
