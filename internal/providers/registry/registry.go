package registry

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/wizicer/aichat/internal/providers"
	"github.com/wizicer/aichat/internal/providers/gemini"
	"github.com/wizicer/aichat/internal/providers/openai_compat"
)

type BuildOptions struct {
	// ProviderID is resolved through the catalog when Kind is empty.
	ProviderID string
	Kind       string
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Build fails with providers.ErrMissingCredential before any client exists,
// so no request is ever sent without a key and endpoint.
func Build(opts BuildOptions) (providers.Provider, error) {
	if strings.TrimSpace(opts.APIKey) == "" || strings.TrimSpace(opts.BaseURL) == "" {
		return nil, providers.ErrMissingCredential
	}
	kind := opts.Kind
	if kind == "" {
		kind = providers.KindOf(opts.ProviderID)
	}

	switch kind {
	case providers.KindOpenAICompat, "openai-compatible", "openai":
		return openai_compat.New(openai_compat.Config{
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			HTTPClient: opts.HTTPClient,
		}), nil

	case providers.KindGemini:
		return gemini.New(gemini.Config{
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			HTTPClient: opts.HTTPClient,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", kind)
	}
}
