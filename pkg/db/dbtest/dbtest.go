// Package dbtest opens throwaway sqlite databases carrying the payment schema
// for repository and service tests.
package dbtest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var schema = []string{
	`CREATE TABLE users (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL UNIQUE,
  first_name TEXT NOT NULL,
  last_name TEXT NOT NULL,
  stripe_customer_id TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE sellers (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  stripe_user_id TEXT NOT NULL,
  created_at DATETIME
);`,
	`CREATE TABLE invoices (
  id TEXT PRIMARY KEY,
  invoice_id TEXT NOT NULL UNIQUE,
  username TEXT NOT NULL DEFAULT '',
  amount TEXT NOT NULL,
  paid INTEGER NOT NULL DEFAULT 0,
  date_paid DATETIME,
  stripe_payment_intent_id TEXT,
  is_stripe_test INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE stripe_payment_intents (
  id TEXT PRIMARY KEY,
  payment_intent_id TEXT NOT NULL UNIQUE,
  amount TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  invoice_id TEXT,
  seller_id TEXT,
  metadata TEXT,
  currency TEXT NOT NULL,
  client_secret TEXT NOT NULL DEFAULT '',
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE stripe_subscription_invoices (
  id TEXT PRIMARY KEY,
  invoice_id TEXT NOT NULL UNIQUE,
  subscription_id TEXT NOT NULL,
  status TEXT NOT NULL,
  total TEXT NOT NULL,
  invoice_date DATETIME NOT NULL,
  promo_code TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE events (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  event_type_id TEXT NOT NULL,
  date DATETIME NOT NULL,
  cost TEXT NOT NULL,
  created_at DATETIME
);`,
	`CREATE TABLE bookings (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  event_id TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'OPEN',
  no_show INTEGER NOT NULL DEFAULT 0,
  payment_open INTEGER NOT NULL DEFAULT 1,
  paid INTEGER NOT NULL DEFAULT 0,
  payment_confirmed INTEGER NOT NULL DEFAULT 0,
  voucher_code TEXT,
  invoice_id TEXT,
  membership_id TEXT,
  block_id TEXT,
  checkout_time DATETIME,
  date_paid DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE blocks (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  event_type_id TEXT NOT NULL,
  name TEXT NOT NULL,
  size INTEGER NOT NULL,
  cost TEXT NOT NULL,
  paid INTEGER NOT NULL DEFAULT 0,
  start_date DATETIME NOT NULL,
  expiry_date DATETIME,
  voucher_code TEXT,
  invoice_id TEXT,
  checkout_time DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE ticket_bookings (
  id TEXT PRIMARY KEY,
  booking_reference TEXT NOT NULL UNIQUE,
  user_id TEXT NOT NULL,
  event_name TEXT NOT NULL,
  quantity INTEGER NOT NULL,
  ticket_cost TEXT NOT NULL,
  paid INTEGER NOT NULL DEFAULT 0,
  cancelled INTEGER NOT NULL DEFAULT 0,
  invoice_id TEXT,
  checkout_time DATETIME,
  date_paid DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE gift_vouchers (
  id TEXT PRIMARY KEY,
  voucher_id TEXT NOT NULL,
  name TEXT NOT NULL,
  cost TEXT NOT NULL,
  purchaser_email TEXT NOT NULL DEFAULT '',
  activated INTEGER NOT NULL DEFAULT 0,
  paid INTEGER NOT NULL DEFAULT 0,
  invoice_id TEXT,
  checkout_time DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE vouchers (
  id TEXT PRIMARY KEY,
  code TEXT NOT NULL UNIQUE,
  kind TEXT NOT NULL,
  active INTEGER NOT NULL DEFAULT 1,
  start_date DATETIME NOT NULL,
  expiry_date DATETIME,
  max_vouchers INTEGER,
  max_per_user INTEGER,
  percent_off INTEGER,
  amount_off TEXT,
  duration TEXT NOT NULL DEFAULT 'once',
  duration_in_months INTEGER,
  new_memberships_only INTEGER NOT NULL DEFAULT 0,
  promo_code_id TEXT,
  target_ids TEXT,
  created_at DATETIME
);`,
	`CREATE TABLE used_vouchers (
  id TEXT PRIMARY KEY,
  voucher_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  item_id TEXT NOT NULL,
  created_at DATETIME,
  UNIQUE (voucher_id, user_id, item_id)
);`,
	`CREATE TABLE memberships (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  description TEXT,
  price TEXT NOT NULL,
  stripe_product_id TEXT NOT NULL UNIQUE,
  stripe_price_id TEXT,
  active INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE membership_items (
  id TEXT PRIMARY KEY,
  membership_id TEXT NOT NULL,
  event_type_id TEXT NOT NULL,
  quantity INTEGER NOT NULL,
  UNIQUE (membership_id, event_type_id)
);`,
	`CREATE TABLE user_memberships (
  id TEXT PRIMARY KEY,
  membership_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  start_date DATETIME NOT NULL,
  end_date DATETIME,
  subscription_id TEXT NOT NULL UNIQUE,
  subscription_status TEXT NOT NULL,
  subscription_start_date DATETIME NOT NULL,
  subscription_end_date DATETIME,
  subscription_billing_cycle_anchor DATETIME NOT NULL,
  pending_setup_intent TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE outbox_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at DATETIME,
  published_at DATETIME,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT
);`,
	`CREATE TABLE outbox_dlq (
  id TEXT PRIMARY KEY,
  event_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload_json TEXT NOT NULL,
  error_reason TEXT NOT NULL,
  error_message TEXT,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  failed_at DATETIME,
  created_at DATETIME
);`,
}

// Open returns an in-memory sqlite database private to the calling test.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		require.NoError(t, conn.Exec(stmt).Error)
	}

	return conn
}
