package llm

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/xiaot623/agentloop/internal/config"
	"github.com/xiaot623/agentloop/internal/domain"
	"go.uber.org/zap"
)

const (
	// EnvGogoMode is the environment variable name for mode selection.
	EnvGogoMode = "GOGO_MODE"
	// ModeMock indicates mock mode should be used.
	ModeMock = "MOCK"
)

// ModelInfo describes a model offered to a team.
type ModelInfo struct {
	ID          string `json:"id"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	DisplayName string `json:"displayName,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

// Router resolves model identifiers to providers and runs invocations.
type Router struct {
	providers    map[string]Provider
	catalog      []config.ModelEntry
	defaultModel string
	stepTimeout  time.Duration
	mock         bool
	logger       *zap.Logger
}

// NewRouter registers the providers that have credentials in cfg. With
// GOGO_MODE=MOCK every model resolves to the mock provider.
func NewRouter(cfg *config.Config, catalog *config.ModelCatalog, logger *zap.Logger) *Router {
	r := newRouter(cfg.DefaultModel, logger)
	r.stepTimeout = cfg.LLMTimeout
	if catalog != nil {
		r.catalog = catalog.Models
	}

	if cfg.Mode == ModeMock {
		logger.Info("GOGO_MODE=MOCK detected, using mock LLM provider")
		r.mock = true
		r.Register(NewMockProvider())
		if r.defaultModel == "" {
			r.defaultModel = "mock:mock-gpt-4"
		}
		return r
	}

	if cfg.OpenAIAPIKey != "" {
		r.Register(NewOpenAIProvider("openai", cfg.OpenAIAPIKey, ""))
	}
	if cfg.LiteLLMURL != "" {
		r.Register(NewOpenAIProvider("litellm", cfg.LiteLLMAPIKey, cfg.LiteLLMURL))
	}
	if cfg.AnthropicAPIKey != "" {
		r.Register(NewAnthropicProvider(cfg.AnthropicAPIKey, ""))
	}
	return r
}

// NewRouterWithProviders builds a router over explicit providers.
func NewRouterWithProviders(defaultModel string, logger *zap.Logger, providers ...Provider) *Router {
	r := newRouter(defaultModel, logger)
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func newRouter(defaultModel string, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		providers:    make(map[string]Provider),
		defaultModel: defaultModel,
		logger:       logger,
	}
}

// Register adds or replaces a provider under its name.
func (r *Router) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Resolve turns a model id into a handle. Ids are either catalog ids or
// "provider:model". An empty id falls back to the team's default model.
func (r *Router) Resolve(teamID, modelID string) (*Handle, error) {
	id := strings.TrimSpace(modelID)
	if id == "" {
		id = r.defaultFor(teamID)
	}
	if id == "" {
		return nil, domain.ErrNoModel
	}

	if entry, ok := r.lookup(id); ok {
		if !entryAllows(entry, teamID) {
			return nil, fmt.Errorf("%w: %s is not available to this team", domain.ErrInvalidModel, id)
		}
		return r.handle(entry.ID, entry.Provider, entry.Model)
	}

	provider, model, ok := strings.Cut(id, ":")
	if !ok || provider == "" || model == "" {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidModel, id)
	}
	return r.handle(id, provider, model)
}

func (r *Router) handle(id, provider, model string) (*Handle, error) {
	if r.mock {
		provider = "mock"
	}
	if _, ok := r.providers[provider]; !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrInvalidModel, provider)
	}
	return &Handle{ID: id, Provider: provider, Model: model}, nil
}

func (r *Router) lookup(id string) (config.ModelEntry, bool) {
	for _, m := range r.catalog {
		if m.ID == id {
			return m, true
		}
	}
	return config.ModelEntry{}, false
}

func (r *Router) defaultFor(teamID string) string {
	for _, m := range r.catalog {
		if m.Default && entryAllows(m, teamID) {
			return m.ID
		}
	}
	return r.defaultModel
}

func entryAllows(m config.ModelEntry, teamID string) bool {
	return len(m.Teams) == 0 || slices.Contains(m.Teams, teamID)
}

// Models lists the catalog entries visible to a team.
func (r *Router) Models(teamID string) []ModelInfo {
	def := r.defaultFor(teamID)
	models := []ModelInfo{}
	for _, m := range r.catalog {
		if !entryAllows(m, teamID) {
			continue
		}
		models = append(models, ModelInfo{
			ID:          m.ID,
			Provider:    m.Provider,
			Model:       m.Model,
			DisplayName: m.DisplayName,
			Default:     m.ID == def,
		})
	}
	if len(models) == 0 && def != "" {
		if provider, model, ok := strings.Cut(def, ":"); ok {
			models = append(models, ModelInfo{ID: def, Provider: provider, Model: model, Default: true})
		}
	}
	return models
}

// Invoke starts a multi-step invocation. See invocation for the step loop.
func (r *Router) Invoke(ctx context.Context, h *Handle, messages []Message, set Toolset, stepLimit int) (DeltaStream, error) {
	provider, ok := r.providers[h.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrInvalidModel, h.Provider)
	}
	if stepLimit < 1 {
		stepLimit = 1
	}
	return startInvocation(ctx, invocation{
		provider:    provider,
		model:       h.Model,
		messages:    messages,
		tools:       set,
		stepLimit:   stepLimit,
		stepTimeout: r.stepTimeout,
		logger:      r.logger.With(zap.String("model", h.ID)),
	}), nil
}
