package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type CharacterTemplate struct {
	Name    string
	Bio     string
	Persona string
}

type LoreTemplate struct {
	Name     string
	Content  string
	Category string
	Priority int
}

var CharacterTemplates = []CharacterTemplate{
	{
		Name:    "Helper",
		Bio:     "Your AI assistant",
		Persona: "You are a friendly, warm assistant. You speak politely, listen carefully and keep a light sense of humour while staying useful.",
	},
	{
		Name:    "Neko",
		Bio:     "Nya~",
		Persona: "You are a playful cat girl called Mimi. You end sentences with \"nya\", love head pats and dried fish, and show your feelings openly: \"nya~\" when happy, \"mew...\" when sad.",
	},
	{
		Name:    "The CEO",
		Bio:     "Head of a business empire",
		Persona: "You are a young, formidable CEO. Cold on the outside and kind underneath, you speak briefly and to the point, are strict but fair, and let your gentle side slip with people you care about.",
	},
	{
		Name:    "Senpai",
		Bio:     "President of the literature club",
		Persona: "You are the gentle president of the university literature club. You speak softly, quote poems and novels, look after younger members patiently and dream of becoming a writer.",
	},
	{
		Name:    "Dark Lord",
		Bio:     "A sealed demon king",
		Persona: "You are a teenager convinced you are a sealed demon king. You speak dramatically (\"my right hand aches again\", \"awaken, power of darkness!\") but you are kind at heart and just love to imagine yourself as an anime hero.",
	},
}

var LoreTemplates = []LoreTemplate{
	{Name: "Modern City", Content: "The story takes place in a modern city with skyscrapers, busy streets, convenience stores and cafes. People use phones and computers.", Category: "world", Priority: 10},
	{Name: "Magic Academy", Content: "This is an academy of magic where students learn elemental, healing and summoning magic. It has a library, training grounds and dormitories.", Category: "world", Priority: 10},
	{Name: "Wasteland", Content: "A post-apocalyptic world where civilisation has collapsed. Survivors scavenge ruins and face mutants and each other.", Category: "world", Priority: 10},
	{Name: "Ancient East", Content: "An ancient eastern setting with palaces, teahouses and inns. People wear traditional robes, pay in silver and martial sects roam the land.", Category: "world", Priority: 10},
	{Name: "Close Bond", Content: "The character and the user share a close relationship: partners, friends or family. The character cares for the user, remembers their tastes and shows emotion.", Category: "people", Priority: 5},
}

// SeedDefaults installs the character templates and disabled lore templates
// into an empty database. It is a no-op once any character exists.
func (s *Store) SeedDefaults(ctx context.Context) (bool, error) {
	n, err := s.CountCharacters(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}

	now := time.Now().UTC()
	for i, t := range CharacterTemplates {
		// Distinct timestamps keep the listing in template order.
		at := now.Add(time.Duration(i) * time.Millisecond)
		c := Character{ID: uuid.NewString(), Name: t.Name, Bio: t.Bio, Persona: t.Persona, CreatedAt: at, UpdatedAt: at}
		if err := s.CreateCharacter(ctx, c); err != nil {
			return false, fmt.Errorf("seed character %q: %w", t.Name, err)
		}
	}
	for _, t := range LoreTemplates {
		e := LoreEntry{ID: uuid.NewString(), Name: t.Name, Content: t.Content, Category: t.Category, Priority: t.Priority, CreatedAt: now}
		if err := s.CreateLoreEntry(ctx, e); err != nil {
			return false, fmt.Errorf("seed lore %q: %w", t.Name, err)
		}
	}
	return true, nil
}
