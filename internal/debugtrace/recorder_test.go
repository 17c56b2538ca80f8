package debugtrace

import (
	"fmt"
	"testing"
	"time"

	"github.com/wizicer/aichat/internal/providers"
)

func TestRecorderKeepsNewest(t *testing.T) {
	r := NewRecorder(3)
	for i := 0; i < 5; i++ {
		r.Add(Trace{ChatID: "c1", Raw: fmt.Sprint(i)})
	}
	r.Add(Trace{ChatID: "c2", Raw: "other"})

	list := r.List("c1")
	if len(list) != 3 || list[0].Raw != "2" || list[2].Raw != "4" {
		t.Fatalf("unexpected traces %#v", list)
	}
	last, ok := r.Last("c2")
	if !ok || last.Raw != "other" {
		t.Fatalf("unexpected last trace %#v", last)
	}

	r.Forget("c1")
	if _, ok := r.Last("c1"); ok {
		t.Fatalf("forgotten chat still has traces")
	}
	r.Reset()
	if _, ok := r.Last("c2"); ok {
		t.Fatalf("reset left traces behind")
	}
}

func TestCaptureCopiesRequest(t *testing.T) {
	req := providers.ChatRequest{Model: "m", Messages: []providers.Message{{Role: "user", Content: "hi"}}}
	tr := Capture("c1", "chat", "openai", req, providers.ChatResponse{Text: "raw", Usage: &providers.Usage{Prompt: 1, Completion: 2, Total: 3}}, time.Now())
	req.Messages[0].Content = "mutated"

	if tr.Messages[0].Content != "hi" {
		t.Fatalf("trace shares the request slice")
	}
	if tr.Raw != "raw" || tr.TotalTokens != 3 || tr.Model != "m" {
		t.Fatalf("unexpected trace %#v", tr)
	}
}
