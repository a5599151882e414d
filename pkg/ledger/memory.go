package ledger

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Merdan-Mahmudow/veo3-bot/pkg/models"
)

// MemoryStore is an in-process Store with the same constraint semantics as
// the postgres implementation. It backs unit tests so services can be
// exercised without a database.
type MemoryStore struct {
	mu sync.Mutex
	st memState
}

type memState struct {
	users       map[uuid.UUID]models.User
	links       map[uuid.UUID]models.ReferralLink
	purchases   map[uuid.UUID]models.Purchase
	bonuses     []models.CoinBonus
	commissions map[uuid.UUID]models.Commission
	balances    map[uuid.UUID]models.PartnerBalance
	payouts     map[uuid.UUID]models.PayoutRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: memState{
		users:       map[uuid.UUID]models.User{},
		links:       map[uuid.UUID]models.ReferralLink{},
		purchases:   map[uuid.UUID]models.Purchase{},
		commissions: map[uuid.UUID]models.Commission{},
		balances:    map[uuid.UUID]models.PartnerBalance{},
		payouts:     map[uuid.UUID]models.PayoutRequest{},
	}}
}

// SeedUser inserts a user directly. Registration is owned by the bot
// process, so the store only needs this for test setup.
func (m *MemoryStore) SeedUser(u models.User) models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Role == "" {
		u.Role = models.RoleUser
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.st.users[u.ID] = u
	return u
}

// WithinTx snapshots the state, runs fn, and restores the snapshot if fn
// fails. The mutex makes the whole transaction one critical section.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	return m.tx(func(t *memTx) error { return fn(t) })
}

func (s memState) clone() memState {
	out := memState{
		users:       make(map[uuid.UUID]models.User, len(s.users)),
		links:       make(map[uuid.UUID]models.ReferralLink, len(s.links)),
		purchases:   make(map[uuid.UUID]models.Purchase, len(s.purchases)),
		bonuses:     slices.Clone(s.bonuses),
		commissions: make(map[uuid.UUID]models.Commission, len(s.commissions)),
		balances:    make(map[uuid.UUID]models.PartnerBalance, len(s.balances)),
		payouts:     make(map[uuid.UUID]models.PayoutRequest, len(s.payouts)),
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.links {
		out.links[k] = v
	}
	for k, v := range s.purchases {
		out.purchases[k] = v
	}
	for k, v := range s.commissions {
		out.commissions[k] = v
	}
	for k, v := range s.balances {
		out.balances[k] = v
	}
	for k, v := range s.payouts {
		out.payouts[k] = v
	}
	return out
}

// memTx operates on the state without locking; MemoryStore holds the lock.
type memTx struct {
	st *memState
}

func (t *memTx) GetUser(ctx context.Context, id uuid.UUID) (models.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return u, nil
}

// GetUserForUpdate is GetUser here: the store runs one transaction at a
// time behind the mutex, so the row is already exclusive.
func (t *memTx) GetUserForUpdate(ctx context.Context, id uuid.UUID) (models.User, error) {
	return t.GetUser(ctx, id)
}

func (t *memTx) GetUserByChatID(ctx context.Context, chatID string) (models.User, error) {
	for _, u := range t.st.users {
		if u.ChatID == chatID {
			return u, nil
		}
	}
	return models.User{}, ErrNotFound
}

func (t *memTx) SetAttribution(ctx context.Context, userID uuid.UUID, a models.Attribution) error {
	u, ok := t.st.users[userID]
	if !ok {
		return ErrNotFound
	}
	if u.ReferrerID != nil {
		return ErrAlreadyAttributed
	}
	kind := a.Kind
	referrer := a.ReferrerID
	link := a.LinkID
	u.ReferrerType = &kind
	u.ReferrerID = &referrer
	u.RefLinkID = &link
	t.st.users[userID] = u
	return nil
}

func (t *memTx) MarkSuspicious(ctx context.Context, userID uuid.UUID) error {
	u, ok := t.st.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.IsSuspicious = true
	t.st.users[userID] = u
	return nil
}

func (t *memTx) SetUserRole(ctx context.Context, userID uuid.UUID, role models.UserRole) error {
	u, ok := t.st.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Role = role
	t.st.users[userID] = u
	return nil
}

func (t *memTx) AdjustCoins(ctx context.Context, userID uuid.UUID, delta int, floorZero bool) error {
	u, ok := t.st.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Coins += delta
	if floorZero && u.Coins < 0 {
		u.Coins = 0
	}
	t.st.users[userID] = u
	return nil
}

func (t *memTx) CreateLink(ctx context.Context, link models.ReferralLink) (models.ReferralLink, error) {
	for _, l := range t.st.links {
		if l.Token == link.Token {
			return models.ReferralLink{}, ErrTokenTaken
		}
	}
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	t.st.links[link.ID] = link
	return link, nil
}

func (t *memTx) GetLink(ctx context.Context, id uuid.UUID) (models.ReferralLink, error) {
	l, ok := t.st.links[id]
	if !ok {
		return models.ReferralLink{}, ErrNotFound
	}
	return l, nil
}

func (t *memTx) GetLinkByToken(ctx context.Context, token string) (models.ReferralLink, error) {
	for _, l := range t.st.links {
		if l.Token == token {
			return l, nil
		}
	}
	return models.ReferralLink{}, ErrNotFound
}

func (t *memTx) ListLinksByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.ReferralLink, error) {
	var out []models.ReferralLink
	for _, l := range t.st.links {
		if l.OwnerID == ownerID {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b models.ReferralLink) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (t *memTx) GetPurchaseByExternalID(ctx context.Context, externalID string) (models.Purchase, error) {
	for _, p := range t.st.purchases {
		if p.ExternalPaymentID == externalID {
			return p, nil
		}
	}
	return models.Purchase{}, ErrNotFound
}

func (t *memTx) CountPurchases(ctx context.Context, userID uuid.UUID) (int, error) {
	count := 0
	for _, p := range t.st.purchases {
		if p.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (t *memTx) CreatePurchase(ctx context.Context, p models.Purchase) (models.Purchase, error) {
	for _, existing := range t.st.purchases {
		if existing.ExternalPaymentID == p.ExternalPaymentID {
			return models.Purchase{}, ErrAlreadyProcessed
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	t.st.purchases[p.ID] = p
	return p, nil
}

func (t *memTx) AppendBonusPair(ctx context.Context, giverID, receiverID, purchaseID uuid.UUID) ([]models.CoinBonus, error) {
	for _, b := range t.st.bonuses {
		if b.PurchaseID == purchaseID && b.Coins > 0 {
			return nil, ErrAlreadyProcessed
		}
	}
	now := time.Now().UTC()
	pair := []models.CoinBonus{
		{ID: uuid.New(), GiverID: giverID, ReceiverID: receiverID, PurchaseID: purchaseID, Coins: 1, Status: models.BonusAccrued, CreatedAt: now},
		{ID: uuid.New(), GiverID: giverID, ReceiverID: giverID, PurchaseID: purchaseID, Coins: 1, Status: models.BonusAccrued, CreatedAt: now},
	}
	t.st.bonuses = append(t.st.bonuses, pair...)
	return pair, nil
}

func (t *memTx) GetBonusPair(ctx context.Context, purchaseID uuid.UUID) ([]models.CoinBonus, error) {
	var pair []models.CoinBonus
	for _, b := range t.st.bonuses {
		if b.PurchaseID == purchaseID && b.Coins > 0 {
			pair = append(pair, b)
		}
	}
	if len(pair) == 0 {
		return nil, ErrNotFound
	}
	return pair, nil
}

func (t *memTx) ReverseBonusPair(ctx context.Context, purchaseID uuid.UUID) error {
	var reversed []models.CoinBonus
	for i, b := range t.st.bonuses {
		if b.PurchaseID == purchaseID && b.Coins > 0 && b.Status == models.BonusAccrued {
			t.st.bonuses[i].Status = models.BonusReversed
			reversed = append(reversed, b)
		}
	}
	if len(reversed) == 0 {
		return ErrAlreadyProcessed
	}
	now := time.Now().UTC()
	for _, b := range reversed {
		t.st.bonuses = append(t.st.bonuses, models.CoinBonus{
			ID: uuid.New(), GiverID: b.GiverID, ReceiverID: b.ReceiverID,
			PurchaseID: purchaseID, Coins: -1, Status: models.BonusReversed, CreatedAt: now,
		})
	}
	return nil
}

func (t *memTx) AppendCommission(ctx context.Context, c models.Commission) (models.Commission, bool, error) {
	for _, existing := range t.st.commissions {
		if existing.PurchaseID == c.PurchaseID {
			return existing, false, nil
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	t.st.commissions[c.ID] = c
	return c, true, nil
}

func (t *memTx) GetCommissionByPurchase(ctx context.Context, purchaseID uuid.UUID) (models.Commission, error) {
	for _, c := range t.st.commissions {
		if c.PurchaseID == purchaseID {
			return c, nil
		}
	}
	return models.Commission{}, ErrNotFound
}

func (t *memTx) SetCommissionStatus(ctx context.Context, id uuid.UUID, status models.CommissionStatus, reason string) error {
	c, ok := t.st.commissions[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.Reason = reason
	t.st.commissions[id] = c
	return nil
}

func (t *memTx) ListReleasable(ctx context.Context, cutoff time.Time, limit int) ([]models.Commission, error) {
	var out []models.Commission
	for _, c := range t.st.commissions {
		if c.Status != models.CommissionHold || c.CreatedAt.After(cutoff) {
			continue
		}
		if u, ok := t.st.users[c.UserID]; ok && u.IsSuspicious {
			continue
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b models.Commission) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) AdjustBalance(ctx context.Context, partnerID uuid.UUID, deltaBalance, deltaHold int64) error {
	b := t.st.balances[partnerID]
	b.PartnerID = partnerID
	if b.BalanceMinor+deltaBalance < 0 || b.HoldMinor+deltaHold < 0 {
		return ErrInsufficientBalance
	}
	b.BalanceMinor += deltaBalance
	b.HoldMinor += deltaHold
	b.UpdatedAt = time.Now().UTC()
	t.st.balances[partnerID] = b
	return nil
}

func (t *memTx) RecordPaidOut(ctx context.Context, partnerID uuid.UUID, amount int64) error {
	b, ok := t.st.balances[partnerID]
	if !ok {
		return ErrNotFound
	}
	b.PaidOutMinor += amount
	b.UpdatedAt = time.Now().UTC()
	t.st.balances[partnerID] = b
	return nil
}

func (t *memTx) GetBalance(ctx context.Context, partnerID uuid.UUID) (models.PartnerBalance, error) {
	b, ok := t.st.balances[partnerID]
	if !ok {
		return models.PartnerBalance{PartnerID: partnerID}, nil
	}
	return b, nil
}

func (t *memTx) CreatePayout(ctx context.Context, p models.PayoutRequest) (models.PayoutRequest, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Requisites == nil {
		p.Requisites = map[string]string{}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	t.st.payouts[p.ID] = p
	return p, nil
}

func (t *memTx) GetPayoutForUpdate(ctx context.Context, id uuid.UUID) (models.PayoutRequest, error) {
	p, ok := t.st.payouts[id]
	if !ok {
		return models.PayoutRequest{}, ErrNotFound
	}
	return p, nil
}

func (t *memTx) SetPayoutStatus(ctx context.Context, id uuid.UUID, status models.PayoutStatus, processedAt time.Time) error {
	p, ok := t.st.payouts[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.ProcessedAt = &processedAt
	t.st.payouts[id] = p
	return nil
}

func (t *memTx) ListPayoutsByPartner(ctx context.Context, partnerID uuid.UUID) ([]models.PayoutRequest, error) {
	var out []models.PayoutRequest
	for _, p := range t.st.payouts {
		if p.PartnerID == partnerID {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b models.PayoutRequest) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (t *memTx) ListPayoutsByStatus(ctx context.Context, status models.PayoutStatus) ([]models.PayoutRequest, error) {
	var out []models.PayoutRequest
	for _, p := range t.st.payouts {
		if p.Status == status {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b models.PayoutRequest) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (t *memTx) CountReferrals(ctx context.Context, referrerID uuid.UUID) (int, error) {
	count := 0
	for _, u := range t.st.users {
		if u.ReferrerID != nil && *u.ReferrerID == referrerID {
			count++
		}
	}
	return count, nil
}

func (t *memTx) CountReferredPurchases(ctx context.Context, referrerID uuid.UUID) (int, error) {
	count := 0
	for _, p := range t.st.purchases {
		u, ok := t.st.users[p.UserID]
		if ok && u.ReferrerID != nil && *u.ReferrerID == referrerID {
			count++
		}
	}
	return count, nil
}

func (t *memTx) SumCommission(ctx context.Context, partnerID uuid.UUID) (int64, error) {
	var sum int64
	for _, c := range t.st.commissions {
		if c.PartnerID == partnerID && c.Status != models.CommissionReversed {
			sum += c.CommissionMinor
		}
	}
	return sum, nil
}

// Auto-commit passthroughs so MemoryStore satisfies Store directly.

func (m *MemoryStore) tx(fn func(tx *memTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.st.clone()
	if err := fn(&memTx{st: &m.st}); err != nil {
		m.st = snap
		return err
	}
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id uuid.UUID) (u models.User, err error) {
	err = m.tx(func(t *memTx) error { u, err = t.GetUser(ctx, id); return err })
	return
}

func (m *MemoryStore) GetUserForUpdate(ctx context.Context, id uuid.UUID) (u models.User, err error) {
	err = m.tx(func(t *memTx) error { u, err = t.GetUserForUpdate(ctx, id); return err })
	return
}

func (m *MemoryStore) GetUserByChatID(ctx context.Context, chatID string) (u models.User, err error) {
	err = m.tx(func(t *memTx) error { u, err = t.GetUserByChatID(ctx, chatID); return err })
	return
}

func (m *MemoryStore) SetAttribution(ctx context.Context, userID uuid.UUID, a models.Attribution) error {
	return m.tx(func(t *memTx) error { return t.SetAttribution(ctx, userID, a) })
}

func (m *MemoryStore) MarkSuspicious(ctx context.Context, userID uuid.UUID) error {
	return m.tx(func(t *memTx) error { return t.MarkSuspicious(ctx, userID) })
}

func (m *MemoryStore) SetUserRole(ctx context.Context, userID uuid.UUID, role models.UserRole) error {
	return m.tx(func(t *memTx) error { return t.SetUserRole(ctx, userID, role) })
}

func (m *MemoryStore) AdjustCoins(ctx context.Context, userID uuid.UUID, delta int, floorZero bool) error {
	return m.tx(func(t *memTx) error { return t.AdjustCoins(ctx, userID, delta, floorZero) })
}

func (m *MemoryStore) CreateLink(ctx context.Context, link models.ReferralLink) (l models.ReferralLink, err error) {
	err = m.tx(func(t *memTx) error { l, err = t.CreateLink(ctx, link); return err })
	return
}

func (m *MemoryStore) GetLink(ctx context.Context, id uuid.UUID) (l models.ReferralLink, err error) {
	err = m.tx(func(t *memTx) error { l, err = t.GetLink(ctx, id); return err })
	return
}

func (m *MemoryStore) GetLinkByToken(ctx context.Context, token string) (l models.ReferralLink, err error) {
	err = m.tx(func(t *memTx) error { l, err = t.GetLinkByToken(ctx, token); return err })
	return
}

func (m *MemoryStore) ListLinksByOwner(ctx context.Context, ownerID uuid.UUID) (out []models.ReferralLink, err error) {
	err = m.tx(func(t *memTx) error { out, err = t.ListLinksByOwner(ctx, ownerID); return err })
	return
}

func (m *MemoryStore) GetPurchaseByExternalID(ctx context.Context, externalID string) (p models.Purchase, err error) {
	err = m.tx(func(t *memTx) error { p, err = t.GetPurchaseByExternalID(ctx, externalID); return err })
	return
}

func (m *MemoryStore) CountPurchases(ctx context.Context, userID uuid.UUID) (n int, err error) {
	err = m.tx(func(t *memTx) error { n, err = t.CountPurchases(ctx, userID); return err })
	return
}

func (m *MemoryStore) CreatePurchase(ctx context.Context, p models.Purchase) (out models.Purchase, err error) {
	err = m.tx(func(t *memTx) error { out, err = t.CreatePurchase(ctx, p); return err })
	return
}

func (m *MemoryStore) AppendBonusPair(ctx context.Context, giverID, receiverID, purchaseID uuid.UUID) (pair []models.CoinBonus, err error) {
	err = m.tx(func(t *memTx) error { pair, err = t.AppendBonusPair(ctx, giverID, receiverID, purchaseID); return err })
	return
}

func (m *MemoryStore) GetBonusPair(ctx context.Context, purchaseID uuid.UUID) (pair []models.CoinBonus, err error) {
	err = m.tx(func(t *memTx) error { pair, err = t.GetBonusPair(ctx, purchaseID); return err })
	return
}

func (m *MemoryStore) ReverseBonusPair(ctx context.Context, purchaseID uuid.UUID) error {
	return m.tx(func(t *memTx) error { return t.ReverseBonusPair(ctx, purchaseID) })
}

func (m *MemoryStore) AppendCommission(ctx context.Context, c models.Commission) (out models.Commission, created bool, err error) {
	err = m.tx(func(t *memTx) error { out, created, err = t.AppendCommission(ctx, c); return err })
	return
}

func (m *MemoryStore) GetCommissionByPurchase(ctx context.Context, purchaseID uuid.UUID) (c models.Commission, err error) {
	err = m.tx(func(t *memTx) error { c, err = t.GetCommissionByPurchase(ctx, purchaseID); return err })
	return
}

func (m *MemoryStore) SetCommissionStatus(ctx context.Context, id uuid.UUID, status models.CommissionStatus, reason string) error {
	return m.tx(func(t *memTx) error { return t.SetCommissionStatus(ctx, id, status, reason) })
}

func (m *MemoryStore) ListReleasable(ctx context.Context, cutoff time.Time, limit int) (out []models.Commission, err error) {
	err = m.tx(func(t *memTx) error { out, err = t.ListReleasable(ctx, cutoff, limit); return err })
	return
}

func (m *MemoryStore) AdjustBalance(ctx context.Context, partnerID uuid.UUID, deltaBalance, deltaHold int64) error {
	return m.tx(func(t *memTx) error { return t.AdjustBalance(ctx, partnerID, deltaBalance, deltaHold) })
}

func (m *MemoryStore) RecordPaidOut(ctx context.Context, partnerID uuid.UUID, amount int64) error {
	return m.tx(func(t *memTx) error { return t.RecordPaidOut(ctx, partnerID, amount) })
}

func (m *MemoryStore) GetBalance(ctx context.Context, partnerID uuid.UUID) (b models.PartnerBalance, err error) {
	err = m.tx(func(t *memTx) error { b, err = t.GetBalance(ctx, partnerID); return err })
	return
}

func (m *MemoryStore) CreatePayout(ctx context.Context, p models.PayoutRequest) (out models.PayoutRequest, err error) {
	err = m.tx(func(t *memTx) error { out, err = t.CreatePayout(ctx, p); return err })
	return
}

func (m *MemoryStore) GetPayoutForUpdate(ctx context.Context, id uuid.UUID) (p models.PayoutRequest, err error) {
	err = m.tx(func(t *memTx) error { p, err = t.GetPayoutForUpdate(ctx, id); return err })
	return
}

func (m *MemoryStore) SetPayoutStatus(ctx context.Context, id uuid.UUID, status models.PayoutStatus, processedAt time.Time) error {
	return m.tx(func(t *memTx) error { return t.SetPayoutStatus(ctx, id, status, processedAt) })
}

func (m *MemoryStore) ListPayoutsByPartner(ctx context.Context, partnerID uuid.UUID) (out []models.PayoutRequest, err error) {
	err = m.tx(func(t *memTx) error { out, err = t.ListPayoutsByPartner(ctx, partnerID); return err })
	return
}

func (m *MemoryStore) ListPayoutsByStatus(ctx context.Context, status models.PayoutStatus) (out []models.PayoutRequest, err error) {
	err = m.tx(func(t *memTx) error { out, err = t.ListPayoutsByStatus(ctx, status); return err })
	return
}

func (m *MemoryStore) CountReferrals(ctx context.Context, referrerID uuid.UUID) (n int, err error) {
	err = m.tx(func(t *memTx) error { n, err = t.CountReferrals(ctx, referrerID); return err })
	return
}

func (m *MemoryStore) CountReferredPurchases(ctx context.Context, referrerID uuid.UUID) (n int, err error) {
	err = m.tx(func(t *memTx) error { n, err = t.CountReferredPurchases(ctx, referrerID); return err })
	return
}

func (m *MemoryStore) SumCommission(ctx context.Context, partnerID uuid.UUID) (sum int64, err error) {
	err = m.tx(func(t *memTx) error { sum, err = t.SumCommission(ctx, partnerID); return err })
	return
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)
