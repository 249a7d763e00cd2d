package provider

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/halyard/stackgraph/internal/errs"
)

// GenRequest is one generation call. SchemaHint, when set, is appended to
// the system prompt so the model emits JSON matching it; validation happens
// at the caller.
type GenRequest struct {
	System     string
	Prompt     string
	SchemaHint string
}

// TextGen produces text from a prompt. The planning loop depends on this
// interface, never on a concrete backend, so tests substitute a
// deterministic stub.
type TextGen interface {
	Generate(ctx context.Context, req GenRequest) (string, error)
}

// TextGenConfig selects the LLM backend.
type TextGenConfig struct {
	// Provider is "google", "anthropic", "openai" or "openai_compatible".
	// Empty defaults to "google".
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// GenkitTextGen backs TextGen with a Genkit instance.
type GenkitTextGen struct {
	g     *genkit.Genkit
	cfg   TextGenConfig
	llmOn bool
}

// NewGenkitTextGen initializes Genkit for the configured provider. A
// missing API key is not fatal: the provider starts in offline mode and
// every Generate call returns KindProviderUnavailable.
func NewGenkitTextGen(ctx context.Context, cfg TextGenConfig) *GenkitTextGen {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	cfg.Provider = provider

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: cfg.BaseURL,
			}))
			llmOn = true
		}
	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  cfg.BaseURL,
			}))
			llmOn = true
		}
	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai_compatible",
				APIKey:   apiKey,
				BaseURL:  cfg.BaseURL,
			}))
			llmOn = true
		}
	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
			llmOn = true
		}
	}
	if g == nil {
		g = genkit.Init(ctx)
	}
	if llmOn {
		slog.Info("text generation initialized", "provider", provider, "model", cfg.Model)
	} else {
		slog.Warn("text generation offline; no API key configured", "provider", provider)
	}
	return &GenkitTextGen{g: g, cfg: cfg, llmOn: llmOn}
}

func (t *GenkitTextGen) Name() string { return "textgen" }

func (t *GenkitTextGen) Reachable(ctx context.Context) error {
	if !t.llmOn {
		return errs.Ef("textgen.Reachable", errs.KindProviderUnavailable, "no API key configured for %s", t.cfg.Provider)
	}
	return nil
}

func (t *GenkitTextGen) Generate(ctx context.Context, req GenRequest) (string, error) {
	if !t.llmOn {
		return "", errs.Ef("textgen.Generate", errs.KindProviderUnavailable, "text generation offline")
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", errs.Ef("textgen.Generate", errs.KindBadRequest, "empty prompt")
	}

	system := strings.TrimSpace(req.System)
	if req.SchemaHint != "" {
		system = system + "\n\nRespond with a single JSON object matching this schema, no prose:\n" + req.SchemaHint
	}
	// Escape % so ai.WithSystem's fmt path cannot corrupt the prompt.
	system = strings.ReplaceAll(system, "%", "%%")

	opts := []ai.GenerateOption{
		ai.WithModelName(t.modelName()),
		ai.WithPrompt(prompt),
	}
	if system != "" {
		opts = append(opts, ai.WithSystem(system))
	}

	resp, err := genkit.Generate(ctx, t.g, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return "", errs.E("textgen.Generate", errs.KindCancelled, err)
		}
		return "", errs.E("textgen.Generate", errs.Classify(err), err)
	}
	return resp.Text(), nil
}

func (t *GenkitTextGen) modelName() string {
	model := strings.TrimSpace(t.cfg.Model)
	switch t.cfg.Provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}
