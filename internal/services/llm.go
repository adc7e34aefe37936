package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GenerateFunc produces text for a prompt. It replaces genkit in tests.
type GenerateFunc func(ctx context.Context, model, system, prompt string) (string, error)

// LLMConfig selects the provider behind the llm service.
type LLMConfig struct {
	// Provider is "google" (default), "anthropic", "openai" or "openai_compatible".
	Provider string
	Model    string
	APIKey   string
	// BaseURL applies to anthropic and the OpenAI-compatible providers.
	BaseURL string
	// CompatibleProvider names the plugin provider for openai_compatible.
	CompatibleProvider string
	Logger             *slog.Logger
	Generate           GenerateFunc
}

// LLM generates text through genkit. One genkit instance is initialized per
// provider key and reused across calls.
type LLM struct {
	cfg    LLMConfig
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*genkit.Genkit
}

func NewLLM(cfg LLMConfig) *LLM {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Provider == "" {
		cfg.Provider = "google"
	}
	if cfg.APIKey == "" {
		cfg.APIKey = envAPIKeyForProvider(cfg.Provider)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LLM{cfg: cfg, logger: cfg.Logger, clients: make(map[string]*genkit.Genkit)}
}

func (*LLM) Name() string { return "llm" }

func (l *LLM) Methods() map[string]Method {
	return map[string]Method{"generate": l.generate}
}

// Configured reports whether calls can reach a model.
func (l *LLM) Configured() bool {
	return l.cfg.Generate != nil || l.cfg.APIKey != ""
}

func (l *LLM) generate(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Prompt string `json:"prompt"`
		System string `json:"system"`
		Model  string `json:"model"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	model := modelNameForProvider(l.cfg.Provider, firstNonEmpty(in.Model, l.cfg.Model))

	var text string
	var err error
	if l.cfg.Generate != nil {
		text, err = l.cfg.Generate(ctx, model, in.System, in.Prompt)
	} else {
		text, err = l.generateGenkit(ctx, model, in.System, in.Prompt)
	}
	if err != nil {
		return nil, err
	}
	return encode(map[string]string{"text": text, "model": model})
}

func (l *LLM) generateGenkit(ctx context.Context, model, system, prompt string) (string, error) {
	g, err := l.client(ctx)
	if err != nil {
		return "", err
	}
	opts := []ai.GenerateOption{ai.WithModelName(model), ai.WithPrompt(prompt)}
	if system != "" {
		opts = append(opts, ai.WithSystem(system))
	}
	resp, err := genkit.Generate(ctx, g, opts...)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

// client returns the cached genkit instance for the configured provider.
func (l *LLM) client(ctx context.Context) (*genkit.Genkit, error) {
	if l.cfg.APIKey == "" {
		return nil, fmt.Errorf("no API key configured for provider %s", l.cfg.Provider)
	}
	key := l.cfg.Provider + "|" + l.cfg.BaseURL
	l.mu.Lock()
	defer l.mu.Unlock()
	if g, ok := l.clients[key]; ok {
		return g, nil
	}

	var g *genkit.Genkit
	switch l.cfg.Provider {
	case "google":
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: l.cfg.APIKey}))
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  l.cfg.APIKey,
			BaseURL: l.cfg.BaseURL,
		}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   l.cfg.APIKey,
			BaseURL:  l.cfg.BaseURL,
		}))
	case "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: l.cfg.CompatibleProvider,
			APIKey:   l.cfg.APIKey,
			BaseURL:  l.cfg.BaseURL,
		}))
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", l.cfg.Provider)
	}
	l.clients[key] = g
	l.logger.Info("genkit initialized", "component", "services.llm", "provider", l.cfg.Provider)
	return g, nil
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	if strings.Contains(model, "/") {
		return model
	}
	switch provider {
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

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
