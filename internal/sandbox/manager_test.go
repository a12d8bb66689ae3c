package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	fleeterr "github.com/codefleet/fleet/internal/errors"
)

// fakeSandbox is an in-memory sandbox handle.
type fakeSandbox struct {
	id      string
	mu      sync.Mutex
	killed  bool
	running bool
	files   map[string][]byte
}

func newFakeSandbox(id string) *fakeSandbox {
	return &fakeSandbox{id: id, running: true, files: map[string][]byte{}}
}

func (f *fakeSandbox) ID() string { return f.id }

func (f *fakeSandbox) RunCommand(ctx context.Context, cmd string, timeout time.Duration) (*CommandResult, error) {
	return &CommandResult{ExitCode: 0}, nil
}

func (f *fakeSandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
	return nil
}

func (f *fakeSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return data, nil
}

func (f *fakeSandbox) IsRunning(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running && !f.killed, nil
}

func (f *fakeSandbox) Kill(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	return nil
}

func (f *fakeSandbox) SetTimeout(ctx context.Context, d time.Duration) error { return nil }

// fakeProvider hands out fakeSandboxes.
type fakeProvider struct {
	mu        sync.Mutex
	created   []*fakeSandbox
	createErr error
}

func (p *fakeProvider) Create(ctx context.Context, template string, opts CreateOpts) (Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	sb := newFakeSandbox(fmt.Sprintf("sb-%d", len(p.created)))
	p.created = append(p.created, sb)
	return sb, nil
}

func (p *fakeProvider) Reconnect(ctx context.Context, id string) (Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sb := range p.created {
		if sb.id == id {
			return sb, nil
		}
	}
	return nil, errors.New("unknown sandbox")
}

// testClock advances manually.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *fakeProvider, *testClock) {
	t.Helper()
	t.Setenv("E2B_API_KEY", "test-key")

	provider := &fakeProvider{}
	clock := &testClock{now: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	m := NewManager(provider, Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:  clock.Now,
	})
	return m, provider, clock
}

func TestCreateFailsWithoutAPIKey(t *testing.T) {
	t.Setenv("E2B_API_KEY", "")
	m := NewManager(&fakeProvider{}, Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	_, err := m.Create(t.Context(), "s1")
	require.Error(t, err)
	require.Equal(t, fleeterr.CodeAPIKeyMissing, fleeterr.CodeOf(err))
}

func TestCreateTracksSandbox(t *testing.T) {
	m, _, _ := newTestManager(t)

	res, err := m.Create(t.Context(), "s1")
	require.NoError(t, err)
	require.Equal(t, "INITIALIZING", res.Status)
	require.NotNil(t, m.Get(res.SandboxID))
	require.Equal(t, []string{res.SandboxID}, m.TrackedIDs())
}

func TestSoftWarningsFireExactlyOnce(t *testing.T) {
	m, _, clock := newTestManager(t)
	res, err := m.Create(t.Context(), "s1")
	require.NoError(t, err)

	// Before the first mark: nothing.
	clock.Advance(29 * time.Minute)
	ws, err := m.EnforceTimeout(t.Context(), res.SandboxID)
	require.NoError(t, err)
	require.Nil(t, ws)

	clock.Advance(2 * time.Minute) // 31 min
	ws, err = m.EnforceTimeout(t.Context(), res.SandboxID)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	require.Equal(t, WarningSoft, ws[0].Kind)
	require.Equal(t, 30, ws[0].ThresholdMinutes)
	require.InDelta(t, 31.0, ws[0].ElapsedMinutes, 0.01)
	require.InDelta(t, 3.10, ws[0].EstimatedCost, 0.001)

	// Same mark never fires twice.
	ws, err = m.EnforceTimeout(t.Context(), res.SandboxID)
	require.NoError(t, err)
	require.Nil(t, ws)

	clock.Advance(20 * time.Minute) // 51 min
	ws, err = m.EnforceTimeout(t.Context(), res.SandboxID)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	require.Equal(t, 50, ws[0].ThresholdMinutes)
}

func TestHardLimitKillsAndRemoves(t *testing.T) {
	m, provider, clock := newTestManager(t)
	res, err := m.Create(t.Context(), "s1")
	require.NoError(t, err)

	clock.Advance(61 * time.Minute)
	ws, err := m.EnforceTimeout(t.Context(), res.SandboxID)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	require.Equal(t, WarningHard, ws[0].Kind)

	require.True(t, provider.created[0].killed)
	require.Nil(t, m.Get(res.SandboxID), "hard-killed sandbox leaves the map")

	// Enforcing on a removed sandbox is a no-op.
	ws, err = m.EnforceTimeout(t.Context(), res.SandboxID)
	require.NoError(t, err)
	require.Nil(t, ws)
}

func TestBudgetWarnings(t *testing.T) {
	m, _, clock := newTestManager(t)
	res, err := m.Create(t.Context(), "s1")
	require.NoError(t, err)
	require.NoError(t, m.SetBudgetLimit(res.SandboxID, 2.00))

	// $0.10/min: 80% of $2 at 16 min, 100% at 20 min.
	clock.Advance(17 * time.Minute)
	ws, err := m.EnforceTimeout(t.Context(), res.SandboxID)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	require.Equal(t, WarningBudget, ws[0].Kind)
	require.Equal(t, 80, ws[0].BudgetPercent)

	clock.Advance(4 * time.Minute) // 21 min
	ws, err = m.EnforceTimeout(t.Context(), res.SandboxID)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	require.Equal(t, 100, ws[0].BudgetPercent)

	ws, err = m.EnforceTimeout(t.Context(), res.SandboxID)
	require.NoError(t, err)
	require.Nil(t, ws)
}

func TestMonitorHealth(t *testing.T) {
	m, provider, _ := newTestManager(t)
	res, err := m.Create(t.Context(), "s1")
	require.NoError(t, err)

	st := m.MonitorHealth(t.Context(), res.SandboxID, false)
	require.True(t, st.IsHealthy)

	provider.created[0].running = false
	st = m.MonitorHealth(t.Context(), res.SandboxID, false)
	require.False(t, st.IsHealthy)
}

func TestMonitorHealthReconnect(t *testing.T) {
	m, provider, _ := newTestManager(t)
	res, err := m.Create(t.Context(), "s1")
	require.NoError(t, err)

	// Lose the handle, then reattach by id.
	m.Terminate(t.Context(), res.SandboxID)
	provider.created[0].killed = false

	st := m.MonitorHealth(t.Context(), res.SandboxID, false)
	require.False(t, st.IsHealthy)

	st = m.MonitorHealth(t.Context(), res.SandboxID, true)
	require.True(t, st.IsHealthy)
	require.NotNil(t, m.Get(res.SandboxID))
}

func TestTerminateIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	res, err := m.Create(t.Context(), "s1")
	require.NoError(t, err)

	first := m.Terminate(t.Context(), res.SandboxID)
	require.True(t, first.Success)
	require.True(t, first.CleanedUp)

	second := m.Terminate(t.Context(), res.SandboxID)
	require.True(t, second.Success)
	require.False(t, second.CleanedUp)
}

func TestCleanupAll(t *testing.T) {
	m, provider, _ := newTestManager(t)
	for i := 0; i < 3; i++ {
		_, err := m.Create(t.Context(), fmt.Sprintf("s%d", i))
		require.NoError(t, err)
	}

	n := m.CleanupAll(t.Context())
	require.Equal(t, 3, n)
	require.Empty(t, m.TrackedIDs())
	for _, sb := range provider.created {
		require.True(t, sb.killed)
	}
}

func TestEstimateCost(t *testing.T) {
	m, _, _ := newTestManager(t)
	require.InDelta(t, 4.5, m.EstimateCost(45*time.Minute), 1e-9)
	require.InDelta(t, 0, m.EstimateCost(0), 1e-9)
}
