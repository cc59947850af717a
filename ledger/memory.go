package ledger

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/cloudx-io/escrowauction/core"
)

// Memory is an in-process host. Calls are serialized by a single lock since
// balances are shared between contract instances.
type Memory struct {
	mu       sync.Mutex
	state    map[string]map[core.DataKey][]byte
	balances map[balanceKey]core.Amount

	clock core.Clock
	sink  EventSink
}

// MemoryOption configures a Memory host.
type MemoryOption func(*Memory)

// WithClock overrides the default system clock.
func WithClock(clock core.Clock) MemoryOption {
	return func(m *Memory) { m.clock = clock }
}

// WithEventSink routes committed events to sink.
func WithEventSink(sink EventSink) MemoryOption {
	return func(m *Memory) { m.sink = sink }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		state:    make(map[string]map[core.DataKey][]byte),
		balances: make(map[balanceKey]core.Amount),
		clock:    core.SystemClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Invoke runs fn against contractID and commits its effects if fn returns nil.
func (m *Memory) Invoke(ctx context.Context, contractID string, fn func(env core.Env) error) error {
	if contractID == "" {
		return fmt.Errorf("%w: empty contract id", ErrInvalidAccount)
	}

	tx, err := m.run(contractID, fn)
	if err != nil {
		return err
	}
	tx.events.flush(ctx, m.sink, contractID)
	return nil
}

func (m *Memory) run(contractID string, fn func(env core.Env) error) (*memoryTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := m.begin(contractID)
	if err := fn(tx.env()); err != nil {
		return nil, err
	}
	tx.commit()
	return tx, nil
}

// View runs fn against a snapshot of contractID and discards any writes.
func (m *Memory) View(_ context.Context, contractID string, fn func(env core.Env) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.begin(contractID).env())
}

// Mint credits amount of token to p outside of any contract call.
func (m *Memory) Mint(_ context.Context, token core.AssetID, to core.Principal, amount core.Amount) error {
	if err := validateTransfer(token, to, to, amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := balanceKey{token: token, principal: to}
	next, err := m.balances[key].Add(amount)
	if err != nil {
		return fmt.Errorf("mint %s %s to %s: %w", amount, token, to, err)
	}
	m.balances[key] = next
	return nil
}

// Balance returns the committed balance of p in token.
func (m *Memory) Balance(_ context.Context, token core.AssetID, p core.Principal) (core.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[balanceKey{token: token, principal: p}], nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) begin(contractID string) *memoryTx {
	return &memoryTx{
		host:       m,
		contractID: contractID,
		writes:     make(map[core.DataKey][]byte),
		balances:   make(map[balanceKey]core.Amount),
		events:     &eventBuffer{},
	}
}

// memoryTx stages writes and balance changes over the committed maps. The host
// lock is held for its whole life.
type memoryTx struct {
	host       *Memory
	contractID string
	writes     map[core.DataKey][]byte
	balances   map[balanceKey]core.Amount
	events     *eventBuffer
}

func (tx *memoryTx) env() core.Env {
	return core.Env{
		Store:    tx,
		Ledger:   tx,
		Clock:    tx.host.clock,
		Events:   tx.events,
		Contract: ContractPrincipal(tx.contractID),
	}
}

func (tx *memoryTx) Has(key core.DataKey) (bool, error) {
	_, ok, err := tx.Get(key)
	return ok, err
}

func (tx *memoryTx) Get(key core.DataKey) ([]byte, bool, error) {
	if v, ok := tx.writes[key]; ok {
		return v, true, nil
	}
	v, ok := tx.host.state[tx.contractID][key]
	return v, ok, nil
}

func (tx *memoryTx) Set(key core.DataKey, value []byte) error {
	tx.writes[key] = append([]byte(nil), value...)
	return nil
}

func (tx *memoryTx) balance(key balanceKey) core.Amount {
	if v, ok := tx.balances[key]; ok {
		return v
	}
	return tx.host.balances[key]
}

func (tx *memoryTx) Transfer(_ context.Context, token core.AssetID, from, to core.Principal, amount core.Amount) error {
	if err := validateTransfer(token, from, to, amount); err != nil {
		return err
	}

	fromKey := balanceKey{token: token, principal: from}
	toKey := balanceKey{token: token, principal: to}

	fromBalance := tx.balance(fromKey)
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientBalance, from, fromBalance, token, amount)
	}
	nextFrom, err := fromBalance.Sub(amount)
	if err != nil {
		return err
	}
	tx.balances[fromKey] = nextFrom

	nextTo, err := tx.balance(toKey).Add(amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}
	tx.balances[toKey] = nextTo
	return nil
}

func (tx *memoryTx) commit() {
	if len(tx.writes) > 0 {
		current, ok := tx.host.state[tx.contractID]
		if !ok {
			current = make(map[core.DataKey][]byte, len(tx.writes))
			tx.host.state[tx.contractID] = current
		}
		maps.Copy(current, tx.writes)
	}
	maps.Copy(tx.host.balances, tx.balances)
}
