// Package agent implements the run loop: a bounded, reasoning-gated state
// machine that alternates model invocations with tool execution, persists
// every step, and yields wire events one at a time.
package agent

import (
	"context"
	"time"

	"github.com/xiaot623/agentloop/internal/adapter/llm"
	"github.com/xiaot623/agentloop/internal/domain"
	"github.com/xiaot623/agentloop/internal/observability"
	"github.com/xiaot623/agentloop/internal/tools"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MessageStore is the append side of the message history.
type MessageStore interface {
	Append(ctx context.Context, msg *domain.Message) error
}

// SessionLookup reads the session a run belongs to.
type SessionLookup interface {
	GetSession(ctx context.Context, teamID, userID, sessionID string) (*domain.Session, error)
}

// Leaser grants single-flight access to a session.
type Leaser interface {
	AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, sessionID, owner string) error
}

// PromptBuilder rebuilds the prompt from persisted history.
type PromptBuilder interface {
	Build(ctx context.Context, sessionID, teamID, systemPrompt string) ([]llm.Message, error)
}

// ModelInvoker resolves and invokes models.
type ModelInvoker interface {
	Resolve(teamID, modelID string) (*llm.Handle, error)
	Invoke(ctx context.Context, h *llm.Handle, messages []llm.Message, set llm.Toolset, stepLimit int) (llm.DeltaStream, error)
}

// Deps are the collaborators of a Loop. Messages, History and Models are
// required; the rest are optional.
type Deps struct {
	Messages MessageStore
	Sessions SessionLookup
	Leases   Leaser
	History  PromptBuilder
	Models   ModelInvoker
	Gate     tools.Gate
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Tracer   trace.Tracer
}

// Config bounds a run.
type Config struct {
	MaxIterations int
	MaxSteps      int
	// LeaseTTL is the session lease lifetime; zero runs without a lease.
	LeaseTTL time.Duration
	// Location is the time zone of the clock shown in the system prompt.
	Location *time.Location
}

// DefaultConfig returns the reference bounds: 8 iterations of at most 20
// model steps, a five minute lease, and the Asia/Shanghai clock.
func DefaultConfig() Config {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		loc = time.UTC
	}
	return Config{
		MaxIterations: 8,
		MaxSteps:      20,
		LeaseTTL:      5 * time.Minute,
		Location:      loc,
	}
}

// Options describe one user turn.
type Options struct {
	SessionID          string
	TeamID             string
	UserID             string
	ModelID            string
	UserMessage        string
	ImageMediaIDs      []string
	SystemPromptSuffix string
	ExtraTools         []*tools.Tool
}

// Loop starts runs. It is safe for concurrent use.
type Loop struct {
	deps   Deps
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewLoop creates a Loop. Zero config fields fall back to DefaultConfig.
func NewLoop(deps Deps, config Config) *Loop {
	defaults := DefaultConfig()
	if config.MaxIterations <= 0 {
		config.MaxIterations = defaults.MaxIterations
	}
	if config.MaxSteps <= 0 {
		config.MaxSteps = defaults.MaxSteps
	}
	if config.Location == nil {
		config.Location = defaults.Location
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/xiaot623/agentloop/internal/agent")
	}
	return &Loop{
		deps:   deps,
		config: config,
		logger: logger,
		tracer: tracer,
		now:    time.Now,
	}
}

// Config returns the effective bounds.
func (l *Loop) Config() Config {
	return l.config
}

// Run starts a run for one user turn. Nothing happens until the first call
// to Next. ctx bounds the whole run, including the model calls.
func (l *Loop) Run(ctx context.Context, opts Options) *Run {
	return newRun(ctx, l, opts)
}
