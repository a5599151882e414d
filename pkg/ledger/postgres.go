package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Merdan-Mahmudow/veo3-bot/pkg/models"
)

// txRetries bounds the internal retry loop for serialization failures.
const txRetries = 3

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	queries
	pool *pgxpool.Pool
}

// NewPostgresStore connects, applies the schema and returns the store.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresStore{queries: queries{q: pool}, pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks database reachability.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithinTx runs fn in one transaction, retrying serialization failures.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < txRetries; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrConcurrencyConflict, lastErr)
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same query
// methods serve direct calls and transactional calls.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q querier
}

const userColumns = `id, nickname, chat_id, coins, role, referrer_type, referrer_id, ref_link_id, is_suspicious, created_at`

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	err := row.Scan(
		&u.ID,
		&u.Nickname,
		&u.ChatID,
		&u.Coins,
		&u.Role,
		&u.ReferrerType,
		&u.ReferrerID,
		&u.RefLinkID,
		&u.IsSuspicious,
		&u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, err
	}
	return u, nil
}

func (s *queries) GetUser(ctx context.Context, id uuid.UUID) (models.User, error) {
	return scanUser(s.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *queries) GetUserForUpdate(ctx context.Context, id uuid.UUID) (models.User, error) {
	return scanUser(s.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
}

func (s *queries) GetUserByChatID(ctx context.Context, chatID string) (models.User, error) {
	return scanUser(s.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE chat_id = $1`, chatID))
}

// SetAttribution writes the referrer fields exactly once. The WHERE clause
// closes the re-attribution race at the storage layer.
func (s *queries) SetAttribution(ctx context.Context, userID uuid.UUID, a models.Attribution) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE users
		SET referrer_type = $2, referrer_id = $3, ref_link_id = $4
		WHERE id = $1 AND referrer_id IS NULL
	`, userID, a.Kind, a.ReferrerID, a.LinkID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.GetUser(ctx, userID); gerr != nil {
			return gerr
		}
		return ErrAlreadyAttributed
	}
	return nil
}

func (s *queries) MarkSuspicious(ctx context.Context, userID uuid.UUID) error {
	tag, err := s.q.Exec(ctx, `UPDATE users SET is_suspicious = true WHERE id = $1`, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *queries) SetUserRole(ctx context.Context, userID uuid.UUID, role models.UserRole) error {
	tag, err := s.q.Exec(ctx, `UPDATE users SET role = $2 WHERE id = $1`, userID, role)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *queries) AdjustCoins(ctx context.Context, userID uuid.UUID, delta int, floorZero bool) error {
	query := `UPDATE users SET coins = coins + $2 WHERE id = $1`
	if floorZero {
		query = `UPDATE users SET coins = GREATEST(coins + $2, 0) WHERE id = $1`
	}
	tag, err := s.q.Exec(ctx, query, userID, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const linkColumns = `id, owner_id, link_type, percent, token, comment, created_at`

func scanLink(row pgx.Row) (models.ReferralLink, error) {
	var l models.ReferralLink
	err := row.Scan(
		&l.ID,
		&l.OwnerID,
		&l.LinkType,
		&l.Percent,
		&l.Token,
		&l.Comment,
		&l.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ReferralLink{}, ErrNotFound
		}
		return models.ReferralLink{}, err
	}
	return l, nil
}

func (s *queries) CreateLink(ctx context.Context, link models.ReferralLink) (models.ReferralLink, error) {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	row := s.q.QueryRow(ctx, `
		INSERT INTO referral_links (id, owner_id, link_type, percent, token, comment)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+linkColumns,
		link.ID, link.OwnerID, link.LinkType, link.Percent, link.Token, link.Comment,
	)
	created, err := scanLink(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ReferralLink{}, ErrTokenTaken
		}
		return models.ReferralLink{}, err
	}
	return created, nil
}

func (s *queries) GetLink(ctx context.Context, id uuid.UUID) (models.ReferralLink, error) {
	return scanLink(s.q.QueryRow(ctx, `SELECT `+linkColumns+` FROM referral_links WHERE id = $1`, id))
}

func (s *queries) GetLinkByToken(ctx context.Context, token string) (models.ReferralLink, error) {
	return scanLink(s.q.QueryRow(ctx, `SELECT `+linkColumns+` FROM referral_links WHERE token = $1`, token))
}

func (s *queries) ListLinksByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.ReferralLink, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+linkColumns+` FROM referral_links
		WHERE owner_id = $1 ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []models.ReferralLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

const purchaseColumns = `id, user_id, external_payment_id, amount_minor, currency, is_first_for_user, created_at`

func scanPurchase(row pgx.Row) (models.Purchase, error) {
	var p models.Purchase
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.ExternalPaymentID,
		&p.AmountMinor,
		&p.Currency,
		&p.IsFirstForUser,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Purchase{}, ErrNotFound
		}
		return models.Purchase{}, err
	}
	return p, nil
}

func (s *queries) GetPurchaseByExternalID(ctx context.Context, externalID string) (models.Purchase, error) {
	return scanPurchase(s.q.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE external_payment_id = $1`, externalID))
}

func (s *queries) CountPurchases(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM purchases WHERE user_id = $1`, userID).Scan(&count)
	return count, err
}

func (s *queries) CreatePurchase(ctx context.Context, p models.Purchase) (models.Purchase, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := s.q.QueryRow(ctx, `
		INSERT INTO purchases (id, user_id, external_payment_id, amount_minor, currency, is_first_for_user)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+purchaseColumns,
		p.ID, p.UserID, p.ExternalPaymentID, p.AmountMinor, p.Currency, p.IsFirstForUser,
	)
	created, err := scanPurchase(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Purchase{}, ErrAlreadyProcessed
		}
		return models.Purchase{}, err
	}
	return created, nil
}

const bonusColumns = `id, giver_id, receiver_id, purchase_id, coins, status, created_at`

func scanBonus(row pgx.Row) (models.CoinBonus, error) {
	var b models.CoinBonus
	err := row.Scan(
		&b.ID,
		&b.GiverID,
		&b.ReceiverID,
		&b.PurchaseID,
		&b.Coins,
		&b.Status,
		&b.CreatedAt,
	)
	return b, err
}

func (s *queries) AppendBonusPair(ctx context.Context, giverID, receiverID, purchaseID uuid.UUID) ([]models.CoinBonus, error) {
	pair := make([]models.CoinBonus, 0, 2)
	// One row for the buyer, one for the referrer; both +1.
	for _, receiver := range []uuid.UUID{receiverID, giverID} {
		row := s.q.QueryRow(ctx, `
			INSERT INTO coin_bonus_ledger (id, giver_id, receiver_id, purchase_id, coins, status)
			VALUES ($1, $2, $3, $4, 1, $5)
			RETURNING `+bonusColumns,
			uuid.New(), giverID, receiver, purchaseID, models.BonusAccrued,
		)
		b, err := scanBonus(row)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, ErrAlreadyProcessed
			}
			return nil, err
		}
		pair = append(pair, b)
	}
	return pair, nil
}

func (s *queries) GetBonusPair(ctx context.Context, purchaseID uuid.UUID) ([]models.CoinBonus, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+bonusColumns+` FROM coin_bonus_ledger
		WHERE purchase_id = $1 AND coins > 0 ORDER BY created_at
	`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pair []models.CoinBonus
	for rows.Next() {
		b, err := scanBonus(rows)
		if err != nil {
			return nil, err
		}
		pair = append(pair, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(pair) == 0 {
		return nil, ErrNotFound
	}
	return pair, nil
}

func (s *queries) ReverseBonusPair(ctx context.Context, purchaseID uuid.UUID) error {
	rows, err := s.q.Query(ctx, `
		UPDATE coin_bonus_ledger SET status = $2
		WHERE purchase_id = $1 AND coins > 0 AND status = $3
		RETURNING `+bonusColumns,
		purchaseID, models.BonusReversed, models.BonusAccrued,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	var reversed []models.CoinBonus
	for rows.Next() {
		b, err := scanBonus(rows)
		if err != nil {
			return err
		}
		reversed = append(reversed, b)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(reversed) == 0 {
		return ErrAlreadyProcessed
	}

	// Compensating -1 rows keep the trail append-only for reconciliation.
	for _, b := range reversed {
		_, err := s.q.Exec(ctx, `
			INSERT INTO coin_bonus_ledger (id, giver_id, receiver_id, purchase_id, coins, status)
			VALUES ($1, $2, $3, $4, -1, $5)
		`, uuid.New(), b.GiverID, b.ReceiverID, purchaseID, models.BonusReversed)
		if err != nil {
			return err
		}
	}
	return nil
}

const commissionColumns = `id, partner_id, user_id, purchase_id, ref_link_id, base_amount_minor, percent, commission_minor, status, reason, created_at`

func scanCommission(row pgx.Row) (models.Commission, error) {
	var c models.Commission
	err := row.Scan(
		&c.ID,
		&c.PartnerID,
		&c.UserID,
		&c.PurchaseID,
		&c.RefLinkID,
		&c.BaseAmountMinor,
		&c.Percent,
		&c.CommissionMinor,
		&c.Status,
		&c.Reason,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Commission{}, ErrNotFound
		}
		return models.Commission{}, err
	}
	return c, nil
}

func (s *queries) AppendCommission(ctx context.Context, c models.Commission) (models.Commission, bool, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	row := s.q.QueryRow(ctx, `
		INSERT INTO partner_commission_ledger
			(id, partner_id, user_id, purchase_id, ref_link_id, base_amount_minor, percent, commission_minor, status, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+commissionColumns,
		c.ID, c.PartnerID, c.UserID, c.PurchaseID, c.RefLinkID,
		c.BaseAmountMinor, c.Percent, c.CommissionMinor, c.Status, c.Reason,
	)
	created, err := scanCommission(row)
	if err != nil {
		if isUniqueViolation(err) {
			existing, gerr := s.GetCommissionByPurchase(ctx, c.PurchaseID)
			if gerr != nil {
				return models.Commission{}, false, gerr
			}
			return existing, false, nil
		}
		return models.Commission{}, false, err
	}
	return created, true, nil
}

func (s *queries) GetCommissionByPurchase(ctx context.Context, purchaseID uuid.UUID) (models.Commission, error) {
	return scanCommission(s.q.QueryRow(ctx,
		`SELECT `+commissionColumns+` FROM partner_commission_ledger WHERE purchase_id = $1`, purchaseID))
}

func (s *queries) SetCommissionStatus(ctx context.Context, id uuid.UUID, status models.CommissionStatus, reason string) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE partner_commission_ledger SET status = $2, reason = $3 WHERE id = $1
	`, id, status, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *queries) ListReleasable(ctx context.Context, cutoff time.Time, limit int) ([]models.Commission, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+qualify(commissionColumns, "c")+`
		FROM partner_commission_ledger c
		JOIN users u ON u.id = c.user_id
		WHERE c.status = $1 AND c.created_at <= $2 AND NOT u.is_suspicious
		ORDER BY c.created_at
		LIMIT $3
	`, models.CommissionHold, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *queries) AdjustBalance(ctx context.Context, partnerID uuid.UUID, deltaBalance, deltaHold int64) error {
	if _, err := s.q.Exec(ctx, `
		INSERT INTO partner_balances (partner_id) VALUES ($1)
		ON CONFLICT (partner_id) DO NOTHING
	`, partnerID); err != nil {
		return err
	}

	var balance, hold int64
	err := s.q.QueryRow(ctx, `
		SELECT balance_minor, hold_minor FROM partner_balances
		WHERE partner_id = $1 FOR UPDATE
	`, partnerID).Scan(&balance, &hold)
	if err != nil {
		return err
	}

	if balance+deltaBalance < 0 || hold+deltaHold < 0 {
		return ErrInsufficientBalance
	}

	_, err = s.q.Exec(ctx, `
		UPDATE partner_balances
		SET balance_minor = balance_minor + $2, hold_minor = hold_minor + $3, updated_at = now()
		WHERE partner_id = $1
	`, partnerID, deltaBalance, deltaHold)
	return err
}

func (s *queries) RecordPaidOut(ctx context.Context, partnerID uuid.UUID, amount int64) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE partner_balances
		SET paid_out_minor = paid_out_minor + $2, updated_at = now()
		WHERE partner_id = $1
	`, partnerID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *queries) GetBalance(ctx context.Context, partnerID uuid.UUID) (models.PartnerBalance, error) {
	var b models.PartnerBalance
	err := s.q.QueryRow(ctx, `
		SELECT partner_id, balance_minor, hold_minor, paid_out_minor, updated_at
		FROM partner_balances WHERE partner_id = $1
	`, partnerID).Scan(&b.PartnerID, &b.BalanceMinor, &b.HoldMinor, &b.PaidOutMinor, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Absent row means "never earned", not an error.
			return models.PartnerBalance{PartnerID: partnerID}, nil
		}
		return models.PartnerBalance{}, err
	}
	return b, nil
}

const payoutColumns = `id, partner_id, amount_minor, status, requisites, created_at, processed_at`

func scanPayout(row pgx.Row) (models.PayoutRequest, error) {
	var p models.PayoutRequest
	err := row.Scan(
		&p.ID,
		&p.PartnerID,
		&p.AmountMinor,
		&p.Status,
		&p.Requisites,
		&p.CreatedAt,
		&p.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PayoutRequest{}, ErrNotFound
		}
		return models.PayoutRequest{}, err
	}
	return p, nil
}

func (s *queries) CreatePayout(ctx context.Context, p models.PayoutRequest) (models.PayoutRequest, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Requisites == nil {
		p.Requisites = map[string]string{}
	}
	row := s.q.QueryRow(ctx, `
		INSERT INTO payout_requests (id, partner_id, amount_minor, status, requisites)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+payoutColumns,
		p.ID, p.PartnerID, p.AmountMinor, p.Status, p.Requisites,
	)
	return scanPayout(row)
}

func (s *queries) GetPayoutForUpdate(ctx context.Context, id uuid.UUID) (models.PayoutRequest, error) {
	return scanPayout(s.q.QueryRow(ctx,
		`SELECT `+payoutColumns+` FROM payout_requests WHERE id = $1 FOR UPDATE`, id))
}

func (s *queries) SetPayoutStatus(ctx context.Context, id uuid.UUID, status models.PayoutStatus, processedAt time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE payout_requests SET status = $2, processed_at = $3 WHERE id = $1
	`, id, status, processedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *queries) ListPayoutsByPartner(ctx context.Context, partnerID uuid.UUID) ([]models.PayoutRequest, error) {
	return s.listPayouts(ctx, `
		SELECT `+payoutColumns+` FROM payout_requests
		WHERE partner_id = $1 ORDER BY created_at DESC
	`, partnerID)
}

func (s *queries) ListPayoutsByStatus(ctx context.Context, status models.PayoutStatus) ([]models.PayoutRequest, error) {
	return s.listPayouts(ctx, `
		SELECT `+payoutColumns+` FROM payout_requests
		WHERE status = $1 ORDER BY created_at ASC
	`, status)
}

func (s *queries) listPayouts(ctx context.Context, query string, arg any) ([]models.PayoutRequest, error) {
	rows, err := s.q.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *queries) CountReferrals(ctx context.Context, referrerID uuid.UUID) (int, error) {
	var count int
	err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE referrer_id = $1`, referrerID).Scan(&count)
	return count, err
}

func (s *queries) CountReferredPurchases(ctx context.Context, referrerID uuid.UUID) (int, error) {
	var count int
	err := s.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM purchases p
		JOIN users u ON u.id = p.user_id
		WHERE u.referrer_id = $1
	`, referrerID).Scan(&count)
	return count, err
}

func (s *queries) SumCommission(ctx context.Context, partnerID uuid.UUID) (int64, error) {
	var sum int64
	err := s.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(commission_minor), 0) FROM partner_commission_ledger
		WHERE partner_id = $1 AND status <> $2
	`, partnerID, models.CommissionReversed).Scan(&sum)
	return sum, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// serialization_failure, deadlock_detected, lock_not_available
	return pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "55P03"
}

var _ Store = (*PostgresStore)(nil)

// qualify prefixes each column in a comma-separated list with a table alias.
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}
