// Package debugtrace holds the exact request and raw reply of recent provider
// calls for interactive inspection. Traces live in memory only.
package debugtrace

import (
	"sync"
	"time"

	"github.com/wizicer/aichat/internal/providers"
)

const DefaultKeep = 20

type Trace struct {
	ChatID           string
	Operation        string
	Provider         string
	Model            string
	Messages         []providers.Message
	Raw              string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Duration         time.Duration
	Timestamp        time.Time
}

func Capture(chatID, op, provider string, req providers.ChatRequest, resp providers.ChatResponse, started time.Time) Trace {
	t := Trace{
		ChatID:    chatID,
		Operation: op,
		Provider:  provider,
		Model:     req.Model,
		Messages:  append([]providers.Message(nil), req.Messages...),
		Raw:       resp.Text,
		Duration:  time.Since(started),
		Timestamp: started,
	}
	if resp.Usage != nil {
		t.PromptTokens = resp.Usage.Prompt
		t.CompletionTokens = resp.Usage.Completion
		t.TotalTokens = resp.Usage.Total
	}
	return t
}

type Recorder struct {
	mu     sync.Mutex
	keep   int
	byChat map[string][]Trace
}

func NewRecorder(keep int) *Recorder {
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &Recorder{keep: keep, byChat: make(map[string][]Trace)}
}

func (r *Recorder) Add(t Trace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := append(r.byChat[t.ChatID], t)
	if len(list) > r.keep {
		list = append([]Trace(nil), list[len(list)-r.keep:]...)
	}
	r.byChat[t.ChatID] = list
}

func (r *Recorder) Last(chatID string) (Trace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byChat[chatID]
	if len(list) == 0 {
		return Trace{}, false
	}
	return list[len(list)-1], true
}

// List returns traces for chatID, newest last.
func (r *Recorder) List(chatID string) []Trace {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Trace(nil), r.byChat[chatID]...)
}

func (r *Recorder) Forget(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byChat, chatID)
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byChat = make(map[string][]Trace)
}
