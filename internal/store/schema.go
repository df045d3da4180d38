package store

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id           TEXT PRIMARY KEY,
	customer_id  TEXT NOT NULL,
	total_amount NUMERIC(14, 2) NOT NULL CHECK (total_amount >= 0),
	status       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS products (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	quantity   INTEGER NOT NULL CHECK (quantity >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS processed_events (
	ledger       TEXT NOT NULL,
	order_id     TEXT NOT NULL,
	outcome      TEXT NOT NULL DEFAULT 'deducted',
	reason       TEXT NOT NULL DEFAULT '',
	processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (ledger, order_id)
);

ALTER TABLE processed_events ADD COLUMN IF NOT EXISTS outcome TEXT NOT NULL DEFAULT 'deducted';
ALTER TABLE processed_events ADD COLUMN IF NOT EXISTS reason TEXT NOT NULL DEFAULT '';

CREATE TABLE IF NOT EXISTS payment_transactions (
	id               BIGSERIAL PRIMARY KEY,
	transaction_code TEXT NOT NULL UNIQUE,
	order_id         TEXT NOT NULL UNIQUE,
	status           TEXT NOT NULL,
	amount           NUMERIC(14, 2) NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS dispatch_states (
	order_id          TEXT PRIMARY KEY,
	stock_confirmed   BOOLEAN NOT NULL DEFAULT FALSE,
	payment_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
	status            TEXT NOT NULL,
	failure_reason    TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS dispatch_states_status_idx ON dispatch_states (status);

CREATE TABLE IF NOT EXISTS shipments (
	id            BIGSERIAL PRIMARY KEY,
	order_id      TEXT NOT NULL UNIQUE,
	status        TEXT NOT NULL,
	tracking_code TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS shipments_status_idx ON shipments (status);
`

// Migrate creates the tables used by every service
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
