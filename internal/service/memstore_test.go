package service

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/mmeshcher/water-ledger/internal/apperror"
	"github.com/mmeshcher/water-ledger/internal/model"
	"github.com/mmeshcher/water-ledger/internal/repository"
)

// memState хранит снимок всех таблиц. Транзакция работает на копии и подменяет оригинал при успехе.
type memState struct {
	users      map[int64]model.User
	truckTypes map[int64]model.TruckType
	prices     map[int64]model.Price
	charges    map[int64]model.Charge
	payments   map[int64]model.Payment
	seq        int64
}

func (s *memState) clone() *memState {
	c := &memState{
		users:      make(map[int64]model.User, len(s.users)),
		truckTypes: make(map[int64]model.TruckType, len(s.truckTypes)),
		prices:     make(map[int64]model.Price, len(s.prices)),
		charges:    make(map[int64]model.Charge, len(s.charges)),
		payments:   make(map[int64]model.Payment, len(s.payments)),
		seq:        s.seq,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.truckTypes {
		c.truckTypes[k] = v
	}
	for k, v := range s.prices {
		c.prices[k] = v
	}
	for k, v := range s.charges {
		c.charges[k] = v
	}
	for k, v := range s.payments {
		v.ChargeIDs = slices.Clone(v.ChargeIDs)
		c.payments[k] = v
	}
	return c
}

type memStore struct {
	mu     sync.Mutex
	state  *memState
	txs    int
	failOn string
}

func newMemStore() *memStore {
	return &memStore{
		state: &memState{
			users:      map[int64]model.User{},
			truckTypes: map[int64]model.TruckType{1: {ID: 1, Description: "default", WaterVolume: 10000}},
			prices:     map[int64]model.Price{},
			charges:    map[int64]model.Charge{},
			payments:   map[int64]model.Payment{},
			seq:        100,
		},
	}
}

func (m *memStore) Close() error { return nil }

func (m *memStore) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txs++
	work := m.state.clone()
	if err := fn(&memTx{s: work, failOn: m.failOn}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *memStore) charge(id int64) model.Charge {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.charges[id]
}

func (m *memStore) payment(id int64) model.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.payments[id]
}

func (m *memStore) user(id int64) model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.users[id]
}

func (m *memStore) price(id int64) model.Price {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.prices[id]
}

// modify меняет состояние напрямую, в обход сервиса.
func (m *memStore) modify(fn func(s *memState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.state)
}

// put добавляет пользователя в обход сервиса.
func (m *memStore) put(u model.User) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.seq++
	u.ID = m.state.seq
	m.state.users[u.ID] = u
	return u.ID
}

func (m *memStore) putCharge(c model.Charge) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.seq++
	c.ID = m.state.seq
	m.state.charges[c.ID] = c
	return c.ID
}

var errInjected = errors.New("injected failure")

type memTx struct {
	s      *memState
	failOn string
}

func (t *memTx) next() int64 {
	t.s.seq++
	return t.s.seq
}

func (t *memTx) GetUser(_ context.Context, id int64) (*model.User, error) {
	u, ok := t.s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (t *memTx) LockUser(ctx context.Context, id int64) (*model.User, error) {
	return t.GetUser(ctx, id)
}

func (t *memTx) UserByCard(_ context.Context, cardNumber string) (*model.User, error) {
	for _, u := range t.s.users {
		if u.CardNumber != nil && *u.CardNumber == cardNumber && u.CanTransact() {
			return &u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (t *memTx) unique(u *model.User) error {
	for _, o := range t.s.users {
		if o.ID == u.ID {
			continue
		}
		switch {
		case o.Email == u.Email:
			return apperror.Field(apperror.KindConflict, "email", "value already in use")
		case o.NationalID == u.NationalID:
			return apperror.Field(apperror.KindConflict, "national_id", "value already in use")
		case o.Username == u.Username:
			return apperror.Field(apperror.KindConflict, "username", "value already in use")
		case o.CardNumber != nil && u.CardNumber != nil && *o.CardNumber == *u.CardNumber:
			return apperror.Field(apperror.KindConflict, "card_number", "value already in use")
		}
	}
	return nil
}

func (t *memTx) InsertUser(_ context.Context, u *model.User) (int64, error) {
	if err := t.unique(u); err != nil {
		return 0, err
	}
	c := *u
	c.ID = t.next()
	t.s.users[c.ID] = c
	return c.ID, nil
}

func (t *memTx) UpdateUser(_ context.Context, u *model.User) error {
	if _, ok := t.s.users[u.ID]; !ok {
		return repository.ErrNotFound
	}
	if err := t.unique(u); err != nil {
		return err
	}
	t.s.users[u.ID] = *u
	return nil
}

func (t *memTx) ListUsers(_ context.Context, f repository.UserFilter) ([]model.User, error) {
	var res []model.User
	for _, u := range t.s.users {
		if !f.IncludeInactive && !u.Active {
			continue
		}
		if f.Role != "" && u.Role != f.Role {
			continue
		}
		if f.OwnerID != nil && (u.OwnerID == nil || *u.OwnerID != *f.OwnerID) {
			continue
		}
		res = append(res, u)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (t *memTx) DriverIDs(_ context.Context, ownerID int64) ([]int64, error) {
	var ids []int64
	for _, u := range t.s.users {
		if u.Role == model.RoleDriver && u.OwnerID != nil && *u.OwnerID == ownerID {
			ids = append(ids, u.ID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (t *memTx) SetUsersActive(_ context.Context, ids []int64, active bool) error {
	if t.failOn == "SetUsersActive" {
		return errInjected
	}
	for _, id := range ids {
		if u, ok := t.s.users[id]; ok {
			u.Active = active
			t.s.users[id] = u
		}
	}
	return nil
}

func (t *memTx) GetTruckType(_ context.Context, id int64) (*model.TruckType, error) {
	tt, ok := t.s.truckTypes[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &tt, nil
}

func (t *memTx) GetPrice(_ context.Context, id int64) (*model.Price, error) {
	p, ok := t.s.prices[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (t *memTx) ActivePrice(_ context.Context) (*model.Price, error) {
	for _, p := range t.s.prices {
		if p.Active {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (t *memTx) DeactivateActivePrices(_ context.Context, exceptID int64) error {
	for id, p := range t.s.prices {
		if p.Active && id != exceptID {
			p.Active = false
			t.s.prices[id] = p
		}
	}
	return nil
}

// singleActive повторяет частичный уникальный индекс по активным тарифам.
func (t *memTx) singleActive(p *model.Price) error {
	if !p.Active {
		return nil
	}
	for _, o := range t.s.prices {
		if o.ID != p.ID && o.Active {
			return apperror.Field(apperror.KindConflict, "active", "value already in use")
		}
	}
	return nil
}

func (t *memTx) InsertPrice(_ context.Context, p *model.Price) (int64, error) {
	if err := t.singleActive(p); err != nil {
		return 0, err
	}
	c := *p
	c.ID = t.next()
	t.s.prices[c.ID] = c
	return c.ID, nil
}

func (t *memTx) UpdatePrice(_ context.Context, p *model.Price) error {
	if _, ok := t.s.prices[p.ID]; !ok {
		return repository.ErrNotFound
	}
	if err := t.singleActive(p); err != nil {
		return err
	}
	t.s.prices[p.ID] = *p
	return nil
}

func (t *memTx) ListPrices(_ context.Context, includeInactive bool) ([]model.Price, error) {
	var res []model.Price
	for _, p := range t.s.prices {
		if includeInactive || p.Active {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	return res, nil
}

func (t *memTx) GetCharge(_ context.Context, id int64) (*model.Charge, error) {
	c, ok := t.s.charges[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (t *memTx) LockCharges(_ context.Context, ids []int64) ([]model.Charge, error) {
	var res []model.Charge
	for _, id := range ids {
		if c, ok := t.s.charges[id]; ok {
			res = append(res, c)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func sortCharges(cs []model.Charge) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].Timestamp.Equal(cs[j].Timestamp) {
			return cs[i].Timestamp.Before(cs[j].Timestamp)
		}
		return cs[i].ID < cs[j].ID
	})
}

func (t *memTx) LockOldestDebts(_ context.Context, userID int64, limit int) ([]model.Charge, error) {
	var res []model.Charge
	for _, c := range t.s.charges {
		if c.UserID == userID && c.Active && c.State == model.ChargeStateDebt {
			res = append(res, c)
		}
	}
	sortCharges(res)
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (t *memTx) InsertCharge(_ context.Context, c *model.Charge) (int64, error) {
	if _, ok := t.s.users[c.UserID]; !ok {
		return 0, apperror.New(apperror.KindNotFound, "referenced record does not exist")
	}
	cp := *c
	cp.ID = t.next()
	t.s.charges[cp.ID] = cp
	return cp.ID, nil
}

func (t *memTx) UpdateCharge(_ context.Context, c *model.Charge) error {
	if _, ok := t.s.charges[c.ID]; !ok {
		return repository.ErrNotFound
	}
	t.s.charges[c.ID] = *c
	return nil
}

func (t *memTx) SetChargesState(_ context.Context, ids []int64, state model.ChargeState) error {
	if t.failOn == "SetChargesState" {
		return errInjected
	}
	for _, id := range ids {
		if c, ok := t.s.charges[id]; ok {
			c.State = state
			t.s.charges[id] = c
		}
	}
	return nil
}

func (t *memTx) SetChargesActiveByUsers(_ context.Context, userIDs []int64, active bool) error {
	for id, c := range t.s.charges {
		if slices.Contains(userIDs, c.UserID) {
			c.Active = active
			t.s.charges[id] = c
		}
	}
	return nil
}

func (t *memTx) ListCharges(_ context.Context, f repository.ChargeFilter) ([]model.Charge, error) {
	var res []model.Charge
	for _, c := range t.s.charges {
		if len(f.UserIDs) > 0 && !slices.Contains(f.UserIDs, c.UserID) {
			continue
		}
		if f.State != "" && c.State != f.State {
			continue
		}
		if f.Active != nil && c.Active != *f.Active {
			continue
		}
		if !f.From.IsZero() && c.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && c.Timestamp.After(f.To) {
			continue
		}
		res = append(res, c)
	}
	sortCharges(res)
	return res, nil
}

func (t *memTx) GetPayment(_ context.Context, id int64) (*model.Payment, error) {
	p, ok := t.s.payments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	p.ChargeIDs = slices.Clone(p.ChargeIDs)
	return &p, nil
}

func (t *memTx) LockPayment(ctx context.Context, id int64) (*model.Payment, error) {
	return t.GetPayment(ctx, id)
}

func (t *memTx) InsertPayment(_ context.Context, p *model.Payment) (int64, error) {
	cp := *p
	cp.ID = t.next()
	cp.ChargeIDs = slices.Clone(p.ChargeIDs)
	t.s.payments[cp.ID] = cp
	return cp.ID, nil
}

func (t *memTx) UpdatePayment(_ context.Context, p *model.Payment) error {
	if _, ok := t.s.payments[p.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *p
	cp.ChargeIDs = slices.Clone(p.ChargeIDs)
	t.s.payments[p.ID] = cp
	return nil
}

func (t *memTx) SetPaymentsActiveByUsers(_ context.Context, userIDs []int64, active bool) error {
	if t.failOn == "SetPaymentsActiveByUsers" {
		return errInjected
	}
	for id, p := range t.s.payments {
		if slices.Contains(userIDs, p.UserID) {
			p.Active = active
			t.s.payments[id] = p
		}
	}
	return nil
}

func (t *memTx) ListPayments(_ context.Context, f repository.PaymentFilter) ([]model.Payment, error) {
	var res []model.Payment
	for _, p := range t.s.payments {
		if len(f.UserIDs) > 0 && !slices.Contains(f.UserIDs, p.UserID) {
			continue
		}
		if f.Active != nil && p.Active != *f.Active {
			continue
		}
		if !f.From.IsZero() && p.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && p.Timestamp.After(f.To) {
			continue
		}
		p.ChargeIDs = slices.Clone(p.ChargeIDs)
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (t *memTx) ListClaims(_ context.Context) ([]repository.Claim, error) {
	var res []repository.Claim
	for _, p := range t.s.payments {
		for _, cid := range p.ChargeIDs {
			res = append(res, repository.Claim{PaymentID: p.ID, ChargeID: cid, PaymentActive: p.Active})
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].ChargeID != res[j].ChargeID {
			return res[i].ChargeID < res[j].ChargeID
		}
		return res[i].PaymentID < res[j].PaymentID
	})
	return res, nil
}

var _ repository.Tx = (*memTx)(nil)
