package telegram

import (
	"context"
	"errors"
	"fmt"

	"github.com/wizicer/aichat/internal/conversation"
	"github.com/wizicer/aichat/internal/providers"
	"github.com/wizicer/aichat/internal/queue"
	"github.com/wizicer/aichat/internal/reality"
	"github.com/wizicer/aichat/internal/storage"
)

// errorText maps failures to what the user sees. Transport errors show the
// provider's own message since that is usually the actionable part.
func errorText(err error) string {
	var te *providers.TransportError
	var se *providers.ShapeError
	switch {
	case errors.Is(err, providers.ErrMissingCredential):
		return "Set an API key and endpoint first: /apikey <key>, /provider"
	case errors.As(err, &te):
		return truncateRunes(fmt.Sprintf("API error %d: %s", te.Status, te.Body), 500)
	case errors.As(err, &se):
		return "The provider sent a reply I could not read. Try again or switch model."
	case errors.Is(err, reality.ErrBusy), errors.Is(err, queue.ErrInFlight):
		return "Still working on the previous request."
	case errors.Is(err, reality.ErrInvalidChoice):
		return "That choice is not available."
	case errors.Is(err, reality.ErrInvalidTransition):
		return "This story can no longer be changed."
	case errors.Is(err, conversation.ErrEmptyMessage):
		return "Message is empty."
	case errors.Is(err, storage.ErrNotFound):
		return "Not found. It may have been deleted."
	case errors.Is(err, context.DeadlineExceeded):
		return "The provider took too long to answer."
	default:
		return "Something went wrong. Please try again."
	}
}
