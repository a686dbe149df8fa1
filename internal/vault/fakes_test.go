package vault

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tokenvault/vault/internal/shared"
)

type fakeAsset struct {
	mu      sync.Mutex
	holders map[Principal]uint64
	custody uint64
	pullErr error
	pushErr error
	onPull  func(ctx context.Context)
	onPush  func(ctx context.Context)
	pulls   int
	pushes  int
}

func newFakeAsset(funds map[Principal]uint64) *fakeAsset {
	holders := make(map[Principal]uint64, len(funds))
	for p, n := range funds {
		holders[p] = n
	}
	return &fakeAsset{holders: holders}
}

func (a *fakeAsset) Pull(ctx context.Context, from Principal, amount Amount) error {
	if a.onPull != nil {
		a.onPull(ctx)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pulls++
	if a.pullErr != nil {
		return a.pullErr
	}
	n, _ := amount.Uint64()
	if a.holders[from] < n {
		return errors.New("transfer amount exceeds allowance")
	}
	a.holders[from] -= n
	a.custody += n
	return nil
}

func (a *fakeAsset) Push(ctx context.Context, to Principal, amount Amount) error {
	if a.onPush != nil {
		a.onPush(ctx)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushes++
	if a.pushErr != nil {
		return a.pushErr
	}
	n, _ := amount.Uint64()
	if a.custody < n {
		return errors.New("transfer amount exceeds balance")
	}
	a.custody -= n
	a.holders[to] += n
	return nil
}

func (a *fakeAsset) balance(p Principal) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holders[p]
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (r *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
	return nil
}

func (r *recordingAudit) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.logs))
	for _, l := range r.logs {
		out = append(out, l.Action)
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// commitFailRepo fails the commit step of the next few transactions after
// their callback succeeded.
type commitFailRepo struct {
	*MemoryRepository
	mu    sync.Mutex
	fail  error
	times int
}

func (r *commitFailRepo) failNext(err error, times int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail, r.times = err, times
}

func (r *commitFailRepo) next() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.times == 0 {
		return nil
	}
	r.times--
	return r.fail
}

func (r *commitFailRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.MemoryRepository.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return r.next()
	})
}

const (
	admin    Principal = "admin"
	alice    Principal = "alice"
	bob      Principal = "bob"
	attacker Principal = "attacker"
)

type harness struct {
	vault *Vault
	repo  *MemoryRepository
	asset *fakeAsset
	audit *recordingAudit
	clock *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := NewMemoryRepository()
	return newHarnessWithRepo(t, repo, repo)
}

func newHarnessWithRepo(t *testing.T, mem *MemoryRepository, repo RepositoryPort) *harness {
	t.Helper()
	asset := newFakeAsset(map[Principal]uint64{alice: 10_000, bob: 10_000, attacker: 10_000})
	audit := &recordingAudit{}
	impl, err := NewImplementation(V1)
	require.NoError(t, err)
	v, err := Deploy(context.Background(), impl, Dependencies{Repo: repo, Asset: asset, Audit: audit}, InitParams{
		Asset:        "TKN",
		Admin:        admin,
		YieldRateBps: 500,
	})
	require.NoError(t, err)
	clock := newTestClock()
	v.WithNow(clock.Now)
	return &harness{vault: v, repo: mem, asset: asset, audit: audit, clock: clock}
}

func (h *harness) upgradeTo(t *testing.T, target Version) {
	t.Helper()
	ctx := context.Background()
	current, err := h.vault.LogicVersion(ctx)
	require.NoError(t, err)
	for next := current + 1; next <= target; next++ {
		impl, err := NewImplementation(next)
		require.NoError(t, err)
		require.NoError(t, h.vault.Upgrade(ctx, admin, impl))
	}
}

func (h *harness) balance(t *testing.T, p Principal) uint64 {
	t.Helper()
	amount, err := h.vault.BalanceOf(context.Background(), p)
	require.NoError(t, err)
	n, ok := amount.Uint64()
	require.True(t, ok)
	return n
}

func (h *harness) total(t *testing.T) uint64 {
	t.Helper()
	amount, err := h.vault.TotalDeposits(context.Background())
	require.NoError(t, err)
	n, ok := amount.Uint64()
	require.True(t, ok)
	return n
}

func (h *harness) requireConsistent(t *testing.T) {
	t.Helper()
	report, err := h.vault.CheckIntegrity(context.Background())
	require.NoError(t, err)
	require.True(t, report.Consistent(), "total %s != sum %s", report.TotalDeposits, report.SumOfBalances)
}
