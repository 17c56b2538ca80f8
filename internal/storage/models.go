package storage

import "time"

const (
	SenderUser   = "user"
	SenderAI     = "ai"
	SenderSystem = "system"
)

const (
	MessageText    = "text"
	MessageImage   = "image"
	MessageReality = "reality"
)

const MetaRealityID = "reality_id"

type Character struct {
	ID        string
	Name      string
	Bio       string
	Persona   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LoreEntry.Seq is the insertion order and breaks priority ties.
type LoreEntry struct {
	ID        string
	Name      string
	Content   string
	Category  string
	Priority  int
	Enabled   bool
	Seq       int64
	CreatedAt time.Time
}

type Chat struct {
	ID            string
	CharacterID   string
	Name          string
	ExternalID    int64
	LastMessage   string
	LastMessageAt *time.Time
	CreatedAt     time.Time
}

type Message struct {
	ID        string
	ChatID    string
	Sender    string
	Type      string
	Content   string
	Metadata  map[string]string
	CreatedAt time.Time
}

type RealityStatus string

const (
	RealityPending RealityStatus = "pending"
	RealityActive  RealityStatus = "active"
	RealityEnded   RealityStatus = "ended"
)

type RealityChoice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type RealityParagraph struct {
	ID       string          `json:"id"`
	Content  string          `json:"content"`
	Choices  []RealityChoice `json:"choices,omitempty"`
	ChosenID string          `json:"chosenId,omitempty"`
}

type Reality struct {
	ID         string
	ChatID     string
	Status     RealityStatus
	Title      string
	Paragraphs []RealityParagraph
	Summary    *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Settings is the persisted singleton. The API key never leaves the store
// in clear text; see settings.Service.
type Settings struct {
	Provider  string
	Endpoint  string
	EncAPIKey *string
	Model     string
	DebugMode bool
	UpdatedAt time.Time
}

type TokenUsage struct {
	ID               string
	CharacterID      string
	CharacterName    string
	Provider         string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CreatedAt        time.Time
}
