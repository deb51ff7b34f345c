// Package approval implements the human approval gate for guarded tool
// invocations. Actions are created in state created and resolve exactly once
// to approved, rejected, or expired; expiry wins every race with a late
// decision.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Lukeus/context-kit-engine/internal/observability"
	"github.com/Lukeus/context-kit-engine/pkg/models"
)

// Sentinel errors for gate operations.
var (
	// ErrNotFound indicates no action exists with the given id.
	ErrNotFound = errors.New("pending action not found")

	// ErrAlreadyResolved indicates the action already reached a terminal
	// state through an earlier decision.
	ErrAlreadyResolved = errors.New("pending action already resolved")

	// ErrExpired indicates the approval window elapsed before the decision
	// arrived.
	ErrExpired = errors.New("pending action expired")
)

// Config configures the gate.
type Config struct {
	// Window is how long an action stays decidable (default 15m).
	Window time.Duration

	// SweepInterval is how often the background sweeper marks overdue
	// actions expired (default 1m).
	SweepInterval time.Duration

	// Clock overrides time.Now for tests.
	Clock func() time.Time

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Gate holds pending actions in memory. All methods are safe for concurrent
// use; state transitions happen under one lock so the expiry check and the
// decision are atomic.
type Gate struct {
	mu      sync.Mutex
	actions map[string]*models.PendingAction

	window  time.Duration
	sweep   time.Duration
	now     func() time.Time
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewGate creates a gate with the given configuration.
func NewGate(cfg Config) *Gate {
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Gate{
		actions: make(map[string]*models.PendingAction),
		window:  cfg.Window,
		sweep:   cfg.SweepInterval,
		now:     cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Create opens a pending action for a guarded tool invocation.
func (g *Gate) Create(ctx context.Context, sessionID, toolID string, arguments []byte, preview string) (*models.PendingAction, error) {
	if sessionID == "" || toolID == "" {
		return nil, fmt.Errorf("session id and tool id are required")
	}

	now := g.now()
	action := &models.PendingAction{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ToolID:    toolID,
		Arguments: append([]byte(nil), arguments...),
		Preview:   preview,
		State:     models.ActionCreated,
		CreatedAt: now,
		ExpiresAt: now.Add(g.window),
	}

	g.mu.Lock()
	g.actions[action.ID] = action
	g.mu.Unlock()

	if g.logger != nil {
		g.logger.Info(ctx, "pending action created",
			"action_id", action.ID, "session_id", sessionID, "tool_id", toolID,
			"expires_at", action.ExpiresAt)
	}
	return clone(action), nil
}

// Get returns the action by id, lazily expiring it first when overdue.
func (g *Gate) Get(ctx context.Context, id string) (*models.PendingAction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	action, ok := g.actions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	g.expireLocked(ctx, action)
	return clone(action), nil
}

// Resolve applies a human decision to the action. The expiry check happens
// under the same lock as the state transition, so a decision that arrives
// after the window always loses: the action flips to expired and ErrExpired
// is returned alongside its final state.
func (g *Gate) Resolve(ctx context.Context, id string, approve bool, notes string) (*models.PendingAction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	action, ok := g.actions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if action.State.Terminal() {
		if action.State == models.ActionExpired {
			return clone(action), fmt.Errorf("%w: %s", ErrExpired, id)
		}
		return clone(action), fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, action.State)
	}
	if g.expireLocked(ctx, action) {
		return clone(action), fmt.Errorf("%w: %s", ErrExpired, id)
	}

	if approve {
		action.State = models.ActionApproved
	} else {
		action.State = models.ActionRejected
	}
	action.Notes = notes
	action.DecidedAt = g.now()

	g.countOutcome(string(action.State))
	if g.logger != nil {
		g.logger.Info(ctx, "pending action resolved",
			"action_id", id, "session_id", action.SessionID, "state", action.State)
	}
	return clone(action), nil
}

// ListPending returns the session's undecided actions ordered by creation
// time. Overdue actions are expired on the way through and excluded.
func (g *Gate) ListPending(ctx context.Context, sessionID string) []*models.PendingAction {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*models.PendingAction
	for _, action := range g.actions {
		if sessionID != "" && action.SessionID != sessionID {
			continue
		}
		if g.expireLocked(ctx, action) || action.State.Terminal() {
			continue
		}
		out = append(out, clone(action))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep expires every overdue action and returns how many flipped.
func (g *Gate) Sweep(ctx context.Context) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	expired := 0
	for _, action := range g.actions {
		if g.expireLocked(ctx, action) {
			expired++
		}
	}
	return expired
}

// Run drives the background sweeper until ctx is cancelled. The sweeper is
// a liveness aid; correctness never depends on it because every read path
// re-checks expiry itself.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Sweep(ctx); n > 0 && g.logger != nil {
				g.logger.Debug(ctx, "expired overdue pending actions", "count", n)
			}
		}
	}
}

// expireLocked flips an overdue created action to expired. Caller holds g.mu.
func (g *Gate) expireLocked(ctx context.Context, action *models.PendingAction) bool {
	if action.State != models.ActionCreated || !action.Expired(g.now()) {
		return false
	}
	action.State = models.ActionExpired
	action.DecidedAt = g.now()
	g.countOutcome(string(models.ActionExpired))
	if g.logger != nil {
		g.logger.Info(ctx, "pending action expired",
			"action_id", action.ID, "session_id", action.SessionID, "tool_id", action.ToolID)
	}
	return true
}

func (g *Gate) countOutcome(outcome string) {
	if g.metrics != nil {
		g.metrics.PendingActionCounter.WithLabelValues(outcome).Inc()
	}
}

func clone(a *models.PendingAction) *models.PendingAction {
	c := *a
	c.Arguments = append([]byte(nil), a.Arguments...)
	return &c
}
