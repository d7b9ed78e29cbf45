package service

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// memStore is an in-memory PositionStore and DepositLedger.
type memStore struct {
	mu        sync.Mutex
	seq       int
	positions map[string]domain.Position
	deposits  map[string]map[string]decimal.Decimal
	history   map[string][]domain.PositionStatus
	listErr   error
}

func newMemStore() *memStore {
	return &memStore{
		positions: map[string]domain.Position{},
		deposits:  map[string]map[string]decimal.Decimal{},
		history:   map[string][]domain.PositionStatus{},
	}
}

func (s *memStore) record(p domain.Position) {
	h := s.history[p.ID]
	if len(h) == 0 || h[len(h)-1] != p.Status {
		s.history[p.ID] = append(h, p.Status)
	}
}

func (s *memStore) UpsertPending(_ context.Context, draft domain.PendingDraft) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for id, p := range s.positions {
		if p.Owner == draft.Owner && p.Status == domain.PositionStatusPending {
			p.TokenSymbol, p.Amount, p.Multiplier, p.UpdatedAt = draft.TokenSymbol, draft.Amount, draft.Multiplier, now
			s.positions[id] = p
			return p, nil
		}
	}
	s.seq++
	p := domain.Position{
		ID:          fmt.Sprintf("pos-%04d", s.seq),
		Owner:       draft.Owner,
		TokenSymbol: draft.TokenSymbol,
		Amount:      draft.Amount,
		Multiplier:  draft.Multiplier,
		Status:      domain.PositionStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.positions[p.ID] = p
	s.record(p)
	return p, nil
}

// put inserts p as-is, for seeding opened positions.
func (s *memStore) put(p domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = p
	s.record(p)
}

func (s *memStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memStore) ListByOwner(_ context.Context, owner string, _ domain.ListOpts) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.sorted() {
		if p.Owner == owner {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) sorted() []domain.Position {
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) MarkOpened(_ context.Context, id string, price decimal.Decimal) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok || p.Status != domain.PositionStatusPending {
		return domain.Position{}, domain.ErrNotFound
	}
	now := time.Now().UTC()
	p.Status, p.StartPrice, p.OpenedAt, p.UpdatedAt = domain.PositionStatusOpened, &price, &now, now
	s.positions[id] = p
	s.record(p)
	return p, nil
}

func (s *memStore) MarkClosed(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok || p.Status == domain.PositionStatusClosed {
		return domain.Position{}, domain.ErrNotFound
	}
	now := time.Now().UTC()
	p.Status, p.ClosedAt, p.UpdatedAt = domain.PositionStatusClosed, &now, now
	s.positions[id] = p
	s.record(p)
	return p, nil
}

func (s *memStore) MarkLiquidated(_ context.Context, id string, bonus *decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok || p.Status != domain.PositionStatusOpened || p.IsLiquidated {
		return false, nil
	}
	now := time.Now().UTC()
	p.IsLiquidated, p.LiquidationAt, p.LiquidationBonus = true, &now, bonus
	s.positions[id] = p
	return true, nil
}

func (s *memStore) ListOpen(_ context.Context) iter.Seq2[domain.Position, error] {
	return func(yield func(domain.Position, error) bool) {
		s.mu.Lock()
		all := s.sorted()
		listErr := s.listErr
		s.mu.Unlock()
		for _, p := range all {
			if p.Status != domain.PositionStatusOpened {
				continue
			}
			if !yield(p, nil) {
				return
			}
		}
		if listErr != nil {
			yield(domain.Position{}, listErr)
		}
	}
}

func (s *memStore) ListLiquidated(_ context.Context, _ domain.ListOpts) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.sorted() {
		if p.IsLiquidated {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[id]; !ok {
		return domain.ErrNotFound
	}
	if len(s.deposits[id]) > 0 {
		return fmt.Errorf("fk violation: deposits remain for %s", id)
	}
	delete(s.positions, id)
	return nil
}

func (s *memStore) AddDeposit(_ context.Context, id, token string, amount decimal.Decimal) (domain.ExtraDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.ExtraDeposit{}, domain.ErrNotFound
	}
	switch p.Status {
	case domain.PositionStatusOpened:
	case domain.PositionStatusClosed:
		return domain.ExtraDeposit{}, domain.ErrAlreadyTerminal
	default:
		return domain.ExtraDeposit{}, fmt.Errorf("%w: position is %s", domain.ErrInvalidRequest, p.Status)
	}
	if s.deposits[id] == nil {
		s.deposits[id] = map[string]decimal.Decimal{}
	}
	total := s.deposits[id][token].Add(amount)
	s.deposits[id][token] = total
	return domain.ExtraDeposit{PositionID: id, TokenSymbol: token, Amount: total, AddedAt: time.Now().UTC()}, nil
}

func (s *memStore) ListByPosition(_ context.Context, id string) ([]domain.ExtraDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ExtraDeposit
	for token, amt := range s.deposits[id] {
		out = append(out, domain.ExtraDeposit{PositionID: id, TokenSymbol: token, Amount: amt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenSymbol < out[j].TokenSymbol })
	return out, nil
}

func (s *memStore) DeleteAllForPosition(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.deposits[id]))
	delete(s.deposits, id)
	return n, nil
}

// memBus records published events.
type memBus struct {
	mu     sync.Mutex
	events map[string][][]byte
}

func newMemBus() *memBus { return &memBus{events: map[string][][]byte{}} }

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[channel] = append(b.events[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *memBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events[channel])
}

// memSubs is an in-memory SubscriptionStore.
type memSubs struct {
	mu   sync.Mutex
	subs map[string]domain.Subscription
}

func newMemSubs() *memSubs { return &memSubs{subs: map[string]domain.Subscription{}} }

func (m *memSubs) Upsert(_ context.Context, sub domain.Subscription) (domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.UpdatedAt = time.Now().UTC()
	if old, ok := m.subs[sub.Owner]; ok {
		sub.CreatedAt = old.CreatedAt
	} else {
		sub.CreatedAt = sub.UpdatedAt
	}
	m.subs[sub.Owner] = sub
	return sub, nil
}

func (m *memSubs) Get(_ context.Context, owner string) (domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[owner]
	if !ok {
		return domain.Subscription{}, domain.ErrNotFound
	}
	return sub, nil
}

func (m *memSubs) Delete(_ context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[owner]; !ok {
		return domain.ErrNotFound
	}
	delete(m.subs, owner)
	return nil
}

// fakeGateway serves fixed balances and prices. Accounts are derived from
// position ids; failFor makes every call for that position fail.
type fakeGateway struct {
	mu       sync.Mutex
	balances map[string]map[string]decimal.Decimal // account -> token -> amount
	borrowed map[string]domain.Account             // account -> debt
	prices   map[string]decimal.Decimal
	failFor  map[string]error // position id -> error
	calls    int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		balances: map[string]map[string]decimal.Decimal{},
		borrowed: map[string]domain.Account{},
		prices:   map[string]decimal.Decimal{},
		failFor:  map[string]error{},
	}
}

func accountFor(id string) string { return "acct-" + id }

func (g *fakeGateway) ResolveAccount(_ context.Context, pos domain.Position) (domain.Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if err := g.failFor[pos.ID]; err != nil {
		return domain.Account{}, err
	}
	acct := g.borrowed[accountFor(pos.ID)]
	acct.Address = accountFor(pos.ID)
	return acct, nil
}

func (g *fakeGateway) GetBalance(_ context.Context, token, account string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.balances[account][token], nil
}

func (g *fakeGateway) GetBorrowedAmount(_ context.Context, account, _ string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.borrowed[account].BorrowedAmount, nil
}

func (g *fakeGateway) GetPrice(_ context.Context, token string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	p, ok := g.prices[token]
	if !ok {
		return decimal.Zero, domain.ErrPriceUnavailable
	}
	return p, nil
}

// setPosition configures on-chain state for a position id.
func (g *fakeGateway) setPosition(id string, holdings map[string]string, debtToken, debt string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	acct := accountFor(id)
	g.balances[acct] = map[string]decimal.Decimal{}
	for t, a := range holdings {
		g.balances[acct][t] = d(a)
	}
	g.borrowed[acct] = domain.Account{BorrowedToken: debtToken, BorrowedAmount: d(debt)}
}

// recordingNotifier captures notifications; err is returned from every call.
type recordingNotifier struct {
	mu         sync.Mutex
	notified   []domain.Channel
	broadcasts int
	err        error
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, ch domain.Channel, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, ch)
	return n.err
}

func (n *recordingNotifier) Broadcast(context.Context, string, string, string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts++
	return n.err
}

// heldLock is a LockManager that always reports the lock as taken.
type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}
