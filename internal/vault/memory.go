package vault

import (
	"context"
	"maps"
	"sort"
	"sync"
)

// MemoryRepository keeps vault state in process memory. Each transaction
// works on a copy that replaces the committed state only when the callback
// succeeds.
type MemoryRepository struct {
	mu       sync.Mutex
	globals  *Layout[Globals]
	accounts *Layout[Account]
	state    memoryState
}

type memoryState struct {
	globals  map[Slot]string
	accounts map[Principal]map[Slot]string
	roles    map[Role]map[Principal]struct{}
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		globals:  maps.Clone(s.globals),
		accounts: make(map[Principal]map[Slot]string, len(s.accounts)),
		roles:    make(map[Role]map[Principal]struct{}, len(s.roles)),
	}
	for p, slots := range s.accounts {
		out.accounts[p] = maps.Clone(slots)
	}
	for r, members := range s.roles {
		out.roles[r] = maps.Clone(members)
	}
	return out
}

// NewMemoryRepository constructs an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	globals, err := GlobalsLayout(LatestVersion)
	if err != nil {
		panic(err)
	}
	accounts, err := AccountLayout(LatestVersion)
	if err != nil {
		panic(err)
	}
	return &MemoryRepository{
		globals:  globals,
		accounts: accounts,
		state: memoryState{
			globals:  map[Slot]string{},
			accounts: map[Principal]map[Slot]string{},
			roles:    map[Role]map[Principal]struct{}{},
		},
	}
}

// WithTx executes fn against a private copy of the state.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{repo: r, state: r.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.state = tx.state
	return nil
}

// Slots returns a copy of the persisted global slots.
func (r *MemoryRepository) Slots() map[Slot]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.state.globals)
}

type memoryTx struct {
	repo  *MemoryRepository
	state memoryState
}

func (t *memoryTx) LoadGlobals(context.Context) (Globals, error) {
	return t.repo.globals.Decode(t.state.globals)
}

func (t *memoryTx) SaveGlobals(_ context.Context, globals Globals) error {
	if err := t.repo.globals.CheckWrite(&globals, globals.SchemaVersion); err != nil {
		return err
	}
	t.state.globals = t.repo.globals.Encode(&globals, globals.SchemaVersion)
	return nil
}

func (t *memoryTx) LoadAccount(_ context.Context, principal Principal) (Account, error) {
	slots, ok := t.state.accounts[principal]
	if !ok {
		return Account{Principal: principal}, nil
	}
	acct, err := t.repo.accounts.Decode(slots)
	if err != nil {
		return Account{}, err
	}
	acct.Principal = principal
	return acct, nil
}

func (t *memoryTx) SaveAccount(_ context.Context, account Account) error {
	if !account.Principal.Valid() {
		return ErrInvalidArgument
	}
	encoded := t.repo.accounts.Encode(&account, LatestVersion)
	for slot, value := range encoded {
		if value == "" {
			delete(encoded, slot)
		}
	}
	t.state.accounts[account.Principal] = encoded
	return nil
}

func (t *memoryTx) ListAccounts(ctx context.Context) ([]Account, error) {
	principals := make([]Principal, 0, len(t.state.accounts))
	for p := range t.state.accounts {
		principals = append(principals, p)
	}
	sort.Slice(principals, func(i, j int) bool { return principals[i] < principals[j] })
	out := make([]Account, 0, len(principals))
	for _, p := range principals {
		acct, err := t.LoadAccount(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, nil
}

func (t *memoryTx) HasRole(_ context.Context, role Role, principal Principal) (bool, error) {
	_, ok := t.state.roles[role][principal]
	return ok, nil
}

func (t *memoryTx) RoleMembers(_ context.Context, role Role) ([]Principal, error) {
	members := make([]Principal, 0, len(t.state.roles[role]))
	for p := range t.state.roles[role] {
		members = append(members, p)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, nil
}

func (t *memoryTx) SetRole(_ context.Context, role Role, principal Principal, granted bool) error {
	if !granted {
		delete(t.state.roles[role], principal)
		return nil
	}
	if t.state.roles[role] == nil {
		t.state.roles[role] = map[Principal]struct{}{}
	}
	t.state.roles[role][principal] = struct{}{}
	return nil
}
