package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	fleeterr "github.com/codefleet/fleet/internal/errors"
)

// Defaults for timeout and cost enforcement.
const (
	DefaultHardLimit     = 60 * time.Minute
	DefaultCostPerMinute = 0.10
	DefaultTemplate      = "base"
	DefaultAPIKeyEnv     = "E2B_API_KEY"
)

// DefaultSoftWarnings are the minute marks that emit soft warnings.
var DefaultSoftWarnings = []int{30, 50}

// budgetMarks are the percentages of the budget cap that emit warnings.
var budgetMarks = []int{80, 100}

// WarningKind classifies an enforcement warning.
type WarningKind string

const (
	WarningSoft   WarningKind = "soft"
	WarningHard   WarningKind = "hard"
	WarningBudget WarningKind = "budget"
)

// Warning is emitted by EnforceTimeout when a threshold is crossed.
type Warning struct {
	Kind           WarningKind `json:"kind"`
	SandboxID      string      `json:"sandboxId"`
	ElapsedMinutes float64     `json:"elapsedMinutes"`
	EstimatedCost  float64     `json:"estimatedCost"`
	// ThresholdMinutes is set for soft/hard warnings.
	ThresholdMinutes int `json:"thresholdMinutes,omitempty"`
	// BudgetPercent is 80 or 100 for budget warnings.
	BudgetPercent int     `json:"budgetPercent,omitempty"`
	BudgetLimit   float64 `json:"budgetLimit,omitempty"`
	Message       string  `json:"message"`
}

// CreateResult is returned by Create.
type CreateResult struct {
	Sandbox   Sandbox
	SandboxID string
	Status    string
}

// TerminateResult reports termination outcome.
type TerminateResult struct {
	Success   bool `json:"success"`
	CleanedUp bool `json:"cleanedUp"`
}

// HealthStatus is returned by MonitorHealth.
type HealthStatus struct {
	IsHealthy bool   `json:"isHealthy"`
	Message   string `json:"message,omitempty"`
	Err       error  `json:"-"`
}

// Options tune the manager. Zero values take defaults.
type Options struct {
	Template      string
	APIKeyEnv     string
	SoftWarnings  []int // minutes, ascending
	HardLimit     time.Duration
	CostPerMinute float64
	Logger        *slog.Logger
	Clock         func() time.Time // test hook
}

type tracked struct {
	sandbox      Sandbox
	sessionID    string
	createdAt    time.Time
	softWarned   map[int]bool
	budgetWarned map[int]bool
	budgetLimit  float64 // 0 means uncapped
}

// Manager owns the process-wide sandbox registry.
type Manager struct {
	provider Provider
	opts     Options
	log      *slog.Logger

	mu      sync.Mutex
	tracked map[string]*tracked
}

// NewManager builds a manager over the provider.
func NewManager(provider Provider, opts Options) *Manager {
	if opts.Template == "" {
		opts.Template = DefaultTemplate
	}
	if opts.APIKeyEnv == "" {
		opts.APIKeyEnv = DefaultAPIKeyEnv
	}
	if len(opts.SoftWarnings) == 0 {
		opts.SoftWarnings = DefaultSoftWarnings
	}
	sort.Ints(opts.SoftWarnings)
	if opts.HardLimit <= 0 {
		opts.HardLimit = DefaultHardLimit
	}
	if opts.CostPerMinute <= 0 {
		opts.CostPerMinute = DefaultCostPerMinute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		provider: provider,
		opts:     opts,
		log:      opts.Logger,
		tracked:  map[string]*tracked{},
	}
}

// EstimateCost is linear in elapsed minutes at the configured rate.
func (m *Manager) EstimateCost(elapsed time.Duration) float64 {
	return elapsed.Minutes() * m.opts.CostPerMinute
}

// Create provisions a sandbox for a session. Fails fast when the provider
// API key is absent from the environment.
func (m *Manager) Create(ctx context.Context, sessionID string) (*CreateResult, error) {
	if os.Getenv(m.opts.APIKeyEnv) == "" {
		return nil, fleeterr.ErrAPIKeyMissing(m.opts.APIKeyEnv)
	}

	sb, err := m.provider.Create(ctx, m.opts.Template, CreateOpts{
		Timeout:  m.opts.HardLimit,
		Metadata: map[string]string{"session_id": sessionID},
	})
	if err != nil {
		return nil, fleeterr.ErrSandboxCreation(err)
	}

	m.mu.Lock()
	m.tracked[sb.ID()] = &tracked{
		sandbox:      sb,
		sessionID:    sessionID,
		createdAt:    m.opts.Clock(),
		softWarned:   map[int]bool{},
		budgetWarned: map[int]bool{},
	}
	m.mu.Unlock()

	m.log.Info("sandbox created", "sandbox_id", sb.ID(), "session_id", sessionID)
	return &CreateResult{Sandbox: sb, SandboxID: sb.ID(), Status: "INITIALIZING"}, nil
}

// Get returns the tracked sandbox handle, or nil.
func (m *Manager) Get(id string) Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tracked[id]; ok {
		return t.sandbox
	}
	return nil
}

// SetBudgetLimit records a soft cost cap for the sandbox.
func (m *Manager) SetBudgetLimit(id string, amountUSD float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracked[id]
	if !ok {
		return fleeterr.ErrValidation(
			fmt.Sprintf("sandbox %s is not tracked", id),
			"create the sandbox through the manager first")
	}
	t.budgetLimit = amountUSD
	return nil
}

// EnforceTimeout checks the sandbox against the soft/hard timeout marks
// and the budget cap. Each soft mark and budget mark fires exactly once.
// Crossing the hard limit kills the sandbox and removes it from the map.
// Returns nil when no threshold is crossed.
func (m *Manager) EnforceTimeout(ctx context.Context, id string) ([]Warning, error) {
	m.mu.Lock()
	t, ok := m.tracked[id]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}

	elapsed := m.opts.Clock().Sub(t.createdAt)
	elapsedMin := elapsed.Minutes()
	cost := m.EstimateCost(elapsed)

	var warnings []Warning

	if elapsed >= m.opts.HardLimit {
		delete(m.tracked, id)
		m.mu.Unlock()

		if err := t.sandbox.Kill(ctx); err != nil {
			m.log.Warn("hard-limit kill failed", "sandbox_id", id, "error", err)
		}
		hard := Warning{
			Kind:             WarningHard,
			SandboxID:        id,
			ElapsedMinutes:   elapsedMin,
			EstimatedCost:    cost,
			ThresholdMinutes: int(m.opts.HardLimit.Minutes()),
			Message:          fmt.Sprintf("sandbox %s exceeded the %d minute hard limit and was terminated", id, int(m.opts.HardLimit.Minutes())),
		}
		m.log.Warn("sandbox hard timeout", "sandbox_id", id, "elapsed_minutes", elapsedMin)
		return append(warnings, hard), nil
	}

	for _, mark := range m.opts.SoftWarnings {
		if elapsedMin >= float64(mark) && !t.softWarned[mark] {
			t.softWarned[mark] = true
			warnings = append(warnings, Warning{
				Kind:             WarningSoft,
				SandboxID:        id,
				ElapsedMinutes:   elapsedMin,
				EstimatedCost:    cost,
				ThresholdMinutes: mark,
				Message:          fmt.Sprintf("sandbox %s has been running for %.0f minutes (~$%.2f)", id, elapsedMin, cost),
			})
		}
	}

	if t.budgetLimit > 0 {
		for _, pct := range budgetMarks {
			threshold := t.budgetLimit * float64(pct) / 100
			if cost >= threshold && !t.budgetWarned[pct] {
				t.budgetWarned[pct] = true
				warnings = append(warnings, Warning{
					Kind:           WarningBudget,
					SandboxID:      id,
					ElapsedMinutes: elapsedMin,
					EstimatedCost:  cost,
					BudgetPercent:  pct,
					BudgetLimit:    t.budgetLimit,
					Message:        fmt.Sprintf("sandbox %s reached %d%% of its $%.2f budget", id, pct, t.budgetLimit),
				})
			}
		}
	}
	m.mu.Unlock()

	if len(warnings) == 0 {
		return nil, nil
	}
	return warnings, nil
}

// MonitorHealth probes the sandbox, optionally reattaching a lost handle.
func (m *Manager) MonitorHealth(ctx context.Context, id string, reconnect bool) *HealthStatus {
	sb := m.Get(id)
	if sb == nil {
		if !reconnect {
			return &HealthStatus{IsHealthy: false, Message: "sandbox is not tracked"}
		}
		attached, err := m.provider.Reconnect(ctx, id)
		if err != nil {
			return &HealthStatus{
				IsHealthy: false,
				Message:   "reconnect failed",
				Err:       fleeterr.ErrSandboxNotHealthy(id, err.Error()),
			}
		}
		m.mu.Lock()
		m.tracked[id] = &tracked{
			sandbox:      attached,
			createdAt:    m.opts.Clock(),
			softWarned:   map[int]bool{},
			budgetWarned: map[int]bool{},
		}
		m.mu.Unlock()
		sb = attached
	}

	running, err := sb.IsRunning(ctx)
	if err != nil {
		return &HealthStatus{
			IsHealthy: false,
			Message:   "health probe failed",
			Err:       fleeterr.ErrSandboxNotHealthy(id, err.Error()),
		}
	}
	if !running {
		return &HealthStatus{IsHealthy: false, Message: "sandbox is not running"}
	}
	return &HealthStatus{IsHealthy: true}
}

// Terminate kills a sandbox and forgets it. Idempotent: an unknown id
// reports success without cleanup.
func (m *Manager) Terminate(ctx context.Context, id string) *TerminateResult {
	m.mu.Lock()
	t, ok := m.tracked[id]
	delete(m.tracked, id)
	m.mu.Unlock()

	if !ok {
		return &TerminateResult{Success: true, CleanedUp: false}
	}
	if err := t.sandbox.Kill(ctx); err != nil {
		// Already-gone sandboxes are fine; the handle is dropped either way.
		m.log.Warn("sandbox kill failed", "sandbox_id", id, "error", err)
	}
	m.log.Info("sandbox terminated", "sandbox_id", id)
	return &TerminateResult{Success: true, CleanedUp: true}
}

// CleanupAll best-effort terminates every tracked sandbox. Used on
// process exit and fail-fast cancellation.
func (m *Manager) CleanupAll(ctx context.Context) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Terminate(ctx, id)
	}
	return len(ids)
}

// TrackedIDs lists the currently tracked sandbox ids.
func (m *Manager) TrackedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ElapsedCost reports the current estimated cost for a sandbox, or 0
// when it is not tracked.
func (m *Manager) ElapsedCost(id string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracked[id]
	if !ok {
		return 0
	}
	return m.EstimateCost(m.opts.Clock().Sub(t.createdAt))
}
