package ledger

// Schema is applied at startup; every statement is idempotent. Unique
// constraints are the idempotency mechanism for at-least-once webhook
// delivery and the CHECK constraints are the storage-level backstop for
// the non-negative balance invariant.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id UUID PRIMARY KEY,
    nickname TEXT NOT NULL DEFAULT '',
    chat_id TEXT NOT NULL UNIQUE,
    coins INTEGER NOT NULL DEFAULT 0 CHECK (coins >= 0),
    role TEXT NOT NULL DEFAULT 'user',
    referrer_type TEXT,
    referrer_id UUID REFERENCES users(id),
    ref_link_id UUID,
    is_suspicious BOOLEAN NOT NULL DEFAULT false,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK (
        (referrer_type IS NULL AND referrer_id IS NULL AND ref_link_id IS NULL) OR
        (referrer_type IS NOT NULL AND referrer_id IS NOT NULL AND ref_link_id IS NOT NULL)
    )
);

CREATE TABLE IF NOT EXISTS referral_links (
    id UUID PRIMARY KEY,
    owner_id UUID NOT NULL REFERENCES users(id),
    link_type TEXT NOT NULL,
    percent INTEGER CHECK (percent IS NULL OR (percent >= 10 AND percent <= 50)),
    token TEXT NOT NULL UNIQUE,
    comment TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK ((link_type = 'partner') = (percent IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS idx_referral_links_owner ON referral_links(owner_id);

CREATE TABLE IF NOT EXISTS purchases (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL REFERENCES users(id),
    external_payment_id TEXT NOT NULL UNIQUE,
    amount_minor BIGINT NOT NULL,
    currency TEXT NOT NULL DEFAULT 'RUB',
    is_first_for_user BOOLEAN NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_purchases_user ON purchases(user_id);

CREATE TABLE IF NOT EXISTS coin_bonus_ledger (
    id UUID PRIMARY KEY,
    giver_id UUID NOT NULL REFERENCES users(id),
    receiver_id UUID NOT NULL REFERENCES users(id),
    purchase_id UUID NOT NULL REFERENCES purchases(id),
    coins INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'accrued',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_bonus_grant
    ON coin_bonus_ledger(purchase_id, receiver_id) WHERE coins > 0;

CREATE TABLE IF NOT EXISTS partner_commission_ledger (
    id UUID PRIMARY KEY,
    partner_id UUID NOT NULL REFERENCES users(id),
    user_id UUID NOT NULL REFERENCES users(id),
    purchase_id UUID NOT NULL UNIQUE REFERENCES purchases(id),
    ref_link_id UUID NOT NULL REFERENCES referral_links(id),
    base_amount_minor BIGINT NOT NULL,
    percent INTEGER NOT NULL,
    commission_minor BIGINT NOT NULL,
    status TEXT NOT NULL DEFAULT 'hold',
    reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_commission_partner ON partner_commission_ledger(partner_id);
CREATE INDEX IF NOT EXISTS idx_commission_release
    ON partner_commission_ledger(created_at) WHERE status = 'hold';

CREATE TABLE IF NOT EXISTS partner_balances (
    partner_id UUID PRIMARY KEY REFERENCES users(id),
    balance_minor BIGINT NOT NULL DEFAULT 0 CHECK (balance_minor >= 0),
    hold_minor BIGINT NOT NULL DEFAULT 0 CHECK (hold_minor >= 0),
    paid_out_minor BIGINT NOT NULL DEFAULT 0 CHECK (paid_out_minor >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS payout_requests (
    id UUID PRIMARY KEY,
    partner_id UUID NOT NULL REFERENCES users(id),
    amount_minor BIGINT NOT NULL CHECK (amount_minor > 0),
    status TEXT NOT NULL DEFAULT 'requested',
    requisites JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    processed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_payout_partner ON payout_requests(partner_id);
CREATE INDEX IF NOT EXISTS idx_payout_status ON payout_requests(status);
`
