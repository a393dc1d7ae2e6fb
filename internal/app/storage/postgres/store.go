// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/eventflow-network/eventflow/internal/app/domain/event"
	"github.com/eventflow-network/eventflow/internal/app/domain/subscription"
	"github.com/eventflow-network/eventflow/internal/app/domain/workflow"
	"github.com/eventflow-network/eventflow/internal/app/storage"
)

// Schema is the full DDL. Migrate applies it idempotently.
const Schema = `
CREATE TABLE IF NOT EXISTS ef_workflows (
	id           BIGSERIAL PRIMARY KEY,
	owner        TEXT NOT NULL,
	name         TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	config       JSONB,
	is_public    BOOLEAN NOT NULL DEFAULT FALSE,
	is_active    BOOLEAN NOT NULL DEFAULT TRUE,
	created_at   BIGINT NOT NULL,
	updated_at   BIGINT NOT NULL,
	version      BIGINT NOT NULL DEFAULT 1,
	event_count  BIGINT NOT NULL DEFAULT 0,
	owner_seq    BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS ef_workflows_owner_idx ON ef_workflows (owner, owner_seq);

CREATE SEQUENCE IF NOT EXISTS ef_owner_seq;
CREATE SEQUENCE IF NOT EXISTS ef_processing_ids;

CREATE TABLE IF NOT EXISTS ef_workflow_stats (
	workflow_id     BIGINT PRIMARY KEY,
	total_updates   BIGINT NOT NULL DEFAULT 0,
	total_transfers BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ef_premium (
	account TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS ef_platform_stats (
	id              INT PRIMARY KEY CHECK (id = 1),
	total_workflows BIGINT NOT NULL DEFAULT 0,
	total_revenue   BIGINT NOT NULL DEFAULT 0
);
INSERT INTO ef_platform_stats (id) VALUES (1) ON CONFLICT DO NOTHING;

CREATE TABLE IF NOT EXISTS ef_events (
	hash         BYTEA PRIMARY KEY,
	workflow_id  BIGINT NOT NULL,
	processed_at BIGINT NOT NULL,
	tx_hash      BYTEA,
	event_type   TEXT NOT NULL DEFAULT '',
	success      BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS ef_rate_limits (
	workflow_id  BIGINT PRIMARY KEY,
	limit_count  BIGINT NOT NULL DEFAULT 0,
	enabled      BOOLEAN NOT NULL DEFAULT FALSE,
	window_start BIGINT NOT NULL DEFAULT 0,
	window_count BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ef_retries (
	id          BIGSERIAL PRIMARY KEY,
	workflow_id BIGINT NOT NULL,
	payload     BYTEA,
	error_code  BIGINT NOT NULL DEFAULT 0,
	retry_count BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ef_actions (
	id          BIGSERIAL PRIMARY KEY,
	workflow_id BIGINT NOT NULL,
	action_type TEXT NOT NULL,
	target      TEXT NOT NULL DEFAULT '',
	success     BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS ef_global_stats (
	id              INT PRIMARY KEY CHECK (id = 1),
	total_processed BIGINT NOT NULL DEFAULT 0,
	total_events    BIGINT NOT NULL DEFAULT 0,
	total_failed    BIGINT NOT NULL DEFAULT 0
);
INSERT INTO ef_global_stats (id) VALUES (1) ON CONFLICT DO NOTHING;

CREATE TABLE IF NOT EXISTS ef_processing_stats (
	workflow_id   BIGINT PRIMARY KEY,
	total_events  BIGINT NOT NULL DEFAULT 0,
	success_count BIGINT NOT NULL DEFAULT 0,
	fail_count    BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ef_subscriptions (
	username     TEXT PRIMARY KEY,
	tier         BIGINT NOT NULL,
	is_active    BOOLEAN NOT NULL,
	start_block  BIGINT NOT NULL,
	end_block    BIGINT NOT NULL,
	auto_renew   BOOLEAN NOT NULL DEFAULT FALSE,
	paused_until BIGINT NOT NULL DEFAULT 0,
	amount_paid  BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ef_history (
	username    TEXT NOT NULL,
	seq         BIGINT NOT NULL,
	tier        BIGINT NOT NULL,
	status      TEXT NOT NULL,
	recorded_at BIGINT NOT NULL,
	PRIMARY KEY (username, seq)
);

CREATE TABLE IF NOT EXISTS ef_credits (
	username           TEXT PRIMARY KEY,
	balance            BIGINT NOT NULL DEFAULT 0,
	lifetime_purchased BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ef_usage (
	username         TEXT PRIMARY KEY,
	events_used      BIGINT NOT NULL DEFAULT 0,
	credits_consumed BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ef_referral_codes (
	code        TEXT PRIMARY KEY,
	referrer    TEXT NOT NULL,
	usage_count BIGINT NOT NULL DEFAULT 0,
	earnings    BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ef_referral_earnings (
	username TEXT PRIMARY KEY,
	earnings BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ef_revenue_stats (
	id                      INT PRIMARY KEY CHECK (id = 1),
	total_revenue           BIGINT NOT NULL DEFAULT 0,
	total_subscriptions     BIGINT NOT NULL DEFAULT 0,
	total_credits_purchased BIGINT NOT NULL DEFAULT 0
);
INSERT INTO ef_revenue_stats (id) VALUES (1) ON CONFLICT DO NOTHING;
`

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.WorkflowStore = (*Store)(nil)
var _ storage.EventStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to the database at the given DSN.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

// Migrate applies the schema. Safe to call repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- WorkflowStore ----------------------------------------------------------

func (s *Store) CreateWorkflow(ctx context.Context, wf workflow.Workflow) (workflow.Workflow, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ef_workflows (owner, name, description, config, is_public, is_active, created_at, updated_at, version, event_count, owner_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, nextval('ef_owner_seq'))
		RETURNING id
	`, wf.Owner, wf.Name, wf.Description, nullableBytes(wf.Config), wf.IsPublic, wf.IsActive, wf.CreatedAt, wf.UpdatedAt, wf.Version, wf.EventCount).Scan(&wf.ID)
	if err != nil {
		return workflow.Workflow{}, err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE ef_platform_stats SET total_workflows = total_workflows + 1 WHERE id = 1`)
	if err != nil {
		return workflow.Workflow{}, err
	}
	return wf, nil
}

func (s *Store) UpdateWorkflow(ctx context.Context, wf workflow.Workflow) error {
	existing, err := s.GetWorkflow(ctx, wf.ID)
	if err != nil {
		return err
	}

	if existing.Owner != wf.Owner {
		_, err = s.db.ExecContext(ctx, `
			UPDATE ef_workflows
			SET owner = $2, name = $3, description = $4, config = $5, is_public = $6, is_active = $7,
			    updated_at = $8, version = $9, event_count = $10, owner_seq = nextval('ef_owner_seq')
			WHERE id = $1
		`, wf.ID, wf.Owner, wf.Name, wf.Description, nullableBytes(wf.Config), wf.IsPublic, wf.IsActive, wf.UpdatedAt, wf.Version, wf.EventCount)
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE ef_workflows
		SET name = $2, description = $3, config = $4, is_public = $5, is_active = $6,
		    updated_at = $7, version = $8, event_count = $9
		WHERE id = $1
	`, wf.ID, wf.Name, wf.Description, nullableBytes(wf.Config), wf.IsPublic, wf.IsActive, wf.UpdatedAt, wf.Version, wf.EventCount)
	return err
}

func (s *Store) GetWorkflow(ctx context.Context, id uint64) (workflow.Workflow, error) {
	var wf workflow.Workflow
	var config []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner, name, description, config, is_public, is_active, created_at, updated_at, version, event_count
		FROM ef_workflows
		WHERE id = $1
	`, id).Scan(&wf.ID, &wf.Owner, &wf.Name, &wf.Description, &config, &wf.IsPublic, &wf.IsActive, &wf.CreatedAt, &wf.UpdatedAt, &wf.Version, &wf.EventCount)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Workflow{}, fmt.Errorf("workflow %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return workflow.Workflow{}, err
	}
	wf.Config = config
	return wf, nil
}

func (s *Store) UserWorkflows(ctx context.Context, owner string) (workflow.UserWorkflows, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM ef_workflows WHERE owner = $1 ORDER BY owner_seq
	`, owner)
	if err != nil {
		return workflow.UserWorkflows{}, err
	}
	defer rows.Close()

	out := workflow.UserWorkflows{Owner: owner}
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return workflow.UserWorkflows{}, err
		}
		out.WorkflowIDs = append(out.WorkflowIDs, id)
	}
	if err := rows.Err(); err != nil {
		return workflow.UserWorkflows{}, err
	}
	out.Count = uint64(len(out.WorkflowIDs))
	return out, nil
}

func (s *Store) BumpUpdateCount(ctx context.Context, id uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ef_workflow_stats (workflow_id, total_updates) VALUES ($1, 1)
		ON CONFLICT (workflow_id) DO UPDATE SET total_updates = ef_workflow_stats.total_updates + 1
	`, id)
	return err
}

func (s *Store) BumpTransferCount(ctx context.Context, id uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ef_workflow_stats (workflow_id, total_transfers) VALUES ($1, 1)
		ON CONFLICT (workflow_id) DO UPDATE SET total_transfers = ef_workflow_stats.total_transfers + 1
	`, id)
	return err
}

func (s *Store) BumpEventCount(ctx context.Context, id uint64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE ef_workflows SET event_count = event_count + 1 WHERE id = $1`, id)
	return err
}

func (s *Store) GetWorkflowStats(ctx context.Context, id uint64) (workflow.Stats, error) {
	st := workflow.Stats{WorkflowID: id}
	err := s.db.QueryRowContext(ctx, `
		SELECT total_updates, total_transfers FROM ef_workflow_stats WHERE workflow_id = $1
	`, id).Scan(&st.TotalUpdates, &st.TotalTransfers)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return workflow.Stats{}, err
	}
	return st, nil
}

func (s *Store) SetPremium(ctx context.Context, account string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ef_premium (account) VALUES ($1) ON CONFLICT DO NOTHING
	`, account)
	return err
}

func (s *Store) IsPremium(ctx context.Context, account string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM ef_premium WHERE account = $1)
	`, account).Scan(&exists)
	return exists, err
}

func (s *Store) AddPlatformRevenue(ctx context.Context, amount uint64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ef_platform_stats SET total_revenue = total_revenue + $1 WHERE id = 1
	`, amount)
	return err
}

func (s *Store) GetPlatformStats(ctx context.Context) (workflow.PlatformStats, error) {
	var st workflow.PlatformStats
	err := s.db.QueryRowContext(ctx, `
		SELECT total_workflows, total_revenue FROM ef_platform_stats WHERE id = 1
	`).Scan(&st.TotalWorkflows, &st.TotalRevenue)
	return st, err
}

// --- EventStore -------------------------------------------------------------

func (s *Store) PutEvent(ctx context.Context, rec event.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ef_events (hash, workflow_id, processed_at, tx_hash, event_type, success)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.Hash[:], rec.WorkflowID, rec.ProcessedAt, nullableBytes(rec.TxHash), rec.EventType, rec.Success)
	return err
}

func (s *Store) GetEvent(ctx context.Context, hash event.Hash) (event.Record, error) {
	var rec event.Record
	var rawHash, txHash []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT hash, workflow_id, processed_at, tx_hash, event_type, success
		FROM ef_events WHERE hash = $1
	`, hash[:]).Scan(&rawHash, &rec.WorkflowID, &rec.ProcessedAt, &txHash, &rec.EventType, &rec.Success)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Record{}, fmt.Errorf("event %x: %w", hash[:4], storage.ErrNotFound)
	}
	if err != nil {
		return event.Record{}, err
	}
	copy(rec.Hash[:], rawHash)
	rec.TxHash = txHash
	return rec, nil
}

func (s *Store) HasEvent(ctx context.Context, hash event.Hash) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM ef_events WHERE hash = $1)
	`, hash[:]).Scan(&exists)
	return exists, err
}

func (s *Store) NextProcessingID(ctx context.Context) (uint64, error) {
	var id uint64
	err := s.db.QueryRowContext(ctx, `SELECT nextval('ef_processing_ids')`).Scan(&id)
	return id, err
}

func (s *Store) SetRateLimit(ctx context.Context, cfg event.RateLimitConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ef_rate_limits (workflow_id, limit_count, enabled, window_start, window_count)
		VALUES ($1, $2, $3, 0, 0)
		ON CONFLICT (workflow_id) DO UPDATE
		SET limit_count = $2, enabled = $3, window_start = 0, window_count = 0
	`, cfg.WorkflowID, cfg.Limit, cfg.Enabled)
	return err
}

func (s *Store) GetRateLimit(ctx context.Context, workflowID uint64) (event.RateLimitConfig, event.RateLimitState, error) {
	cfg := event.RateLimitConfig{WorkflowID: workflowID}
	var st event.RateLimitState
	err := s.db.QueryRowContext(ctx, `
		SELECT limit_count, enabled, window_start, window_count
		FROM ef_rate_limits WHERE workflow_id = $1
	`, workflowID).Scan(&cfg.Limit, &cfg.Enabled, &st.WindowStart, &st.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, st, nil
	}
	if err != nil {
		return event.RateLimitConfig{}, event.RateLimitState{}, err
	}
	return cfg, st, nil
}

func (s *Store) SetRateLimitState(ctx context.Context, workflowID uint64, st event.RateLimitState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ef_rate_limits (workflow_id, window_start, window_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (workflow_id) DO UPDATE SET window_start = $2, window_count = $3
	`, workflowID, st.WindowStart, st.Count)
	return err
}

func (s *Store) AppendRetry(ctx context.Context, entry event.RetryEntry) (event.RetryEntry, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ef_retries (workflow_id, payload, error_code, retry_count)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, entry.WorkflowID, nullableBytes(entry.Payload), entry.ErrorCode, entry.RetryCount).Scan(&entry.ID)
	if err != nil {
		return event.RetryEntry{}, err
	}
	return entry, nil
}

func (s *Store) GetRetry(ctx context.Context, id uint64) (event.RetryEntry, error) {
	var entry event.RetryEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, payload, error_code, retry_count FROM ef_retries WHERE id = $1
	`, id).Scan(&entry.ID, &entry.WorkflowID, &entry.Payload, &entry.ErrorCode, &entry.RetryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return event.RetryEntry{}, fmt.Errorf("retry entry %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return event.RetryEntry{}, err
	}
	return entry, nil
}

func (s *Store) AppendAction(ctx context.Context, entry event.ActionEntry) (event.ActionEntry, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ef_actions (workflow_id, action_type, target, success)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, entry.WorkflowID, entry.ActionType, entry.Target, entry.Success).Scan(&entry.ID)
	if err != nil {
		return event.ActionEntry{}, err
	}
	return entry, nil
}

func (s *Store) GetAction(ctx context.Context, id uint64) (event.ActionEntry, error) {
	var entry event.ActionEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, action_type, target, success FROM ef_actions WHERE id = $1
	`, id).Scan(&entry.ID, &entry.WorkflowID, &entry.ActionType, &entry.Target, &entry.Success)
	if errors.Is(err, sql.ErrNoRows) {
		return event.ActionEntry{}, fmt.Errorf("action log entry %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return event.ActionEntry{}, err
	}
	return entry, nil
}

func (s *Store) RecordProcessed(ctx context.Context, workflowID uint64) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE ef_global_stats SET total_processed = total_processed + 1, total_events = total_events + 1 WHERE id = 1
	`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ef_processing_stats (workflow_id, total_events, success_count) VALUES ($1, 1, 1)
		ON CONFLICT (workflow_id) DO UPDATE
		SET total_events = ef_processing_stats.total_events + 1,
		    success_count = ef_processing_stats.success_count + 1
	`, workflowID)
	return err
}

func (s *Store) RecordFailed(ctx context.Context, workflowID uint64) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE ef_global_stats SET total_failed = total_failed + 1 WHERE id = 1
	`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ef_processing_stats (workflow_id, fail_count) VALUES ($1, 1)
		ON CONFLICT (workflow_id) DO UPDATE SET fail_count = ef_processing_stats.fail_count + 1
	`, workflowID)
	return err
}

func (s *Store) GetGlobalStats(ctx context.Context) (event.GlobalStats, error) {
	var st event.GlobalStats
	err := s.db.QueryRowContext(ctx, `
		SELECT total_processed, total_events, total_failed FROM ef_global_stats WHERE id = 1
	`).Scan(&st.TotalProcessed, &st.TotalEvents, &st.TotalFailed)
	if err != nil {
		return event.GlobalStats{}, err
	}
	st.SuccessRate = st.Rate()
	return st, nil
}

func (s *Store) GetProcessingStats(ctx context.Context, workflowID uint64) (event.ProcessingStats, error) {
	var st event.ProcessingStats
	err := s.db.QueryRowContext(ctx, `
		SELECT total_events, success_count, fail_count FROM ef_processing_stats WHERE workflow_id = $1
	`, workflowID).Scan(&st.TotalEvents, &st.SuccessCount, &st.FailCount)
	if errors.Is(err, sql.ErrNoRows) {
		return event.ProcessingStats{}, nil
	}
	if err != nil {
		return event.ProcessingStats{}, err
	}
	return st, nil
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) GetSubscription(ctx context.Context, user string) (subscription.Subscription, error) {
	sub := subscription.Subscription{User: user}
	err := s.db.QueryRowContext(ctx, `
		SELECT tier, is_active, start_block, end_block, auto_renew, paused_until, amount_paid
		FROM ef_subscriptions WHERE username = $1
	`, user).Scan(&sub.Tier, &sub.IsActive, &sub.StartBlock, &sub.EndBlock, &sub.AutoRenew, &sub.PausedUntil, &sub.AmountPaid)
	if errors.Is(err, sql.ErrNoRows) {
		return subscription.Subscription{}, fmt.Errorf("subscription for %s: %w", user, storage.ErrNotFound)
	}
	if err != nil {
		return subscription.Subscription{}, err
	}
	return sub, nil
}

func (s *Store) PutSubscription(ctx context.Context, sub subscription.Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ef_subscriptions (username, tier, is_active, start_block, end_block, auto_renew, paused_until, amount_paid)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (username) DO UPDATE
		SET tier = $2, is_active = $3, start_block = $4, end_block = $5,
		    auto_renew = $6, paused_until = $7, amount_paid = $8
	`, sub.User, sub.Tier, sub.IsActive, sub.StartBlock, sub.EndBlock, sub.AutoRenew, sub.PausedUntil, sub.AmountPaid)
	return err
}

func (s *Store) AppendHistory(ctx context.Context, user string, entry subscription.HistoryEntry) (uint64, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ef_history (username, seq, tier, status, recorded_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4 FROM ef_history WHERE username = $1
		RETURNING seq
	`, user, entry.Tier, entry.Status, entry.RecordedAt).Scan(&entry.Seq)
	if err != nil {
		return 0, err
	}
	return entry.Seq, nil
}

func (s *Store) GetHistory(ctx context.Context, user string, seq uint64) (subscription.HistoryEntry, error) {
	entry := subscription.HistoryEntry{Seq: seq}
	err := s.db.QueryRowContext(ctx, `
		SELECT tier, status, recorded_at FROM ef_history WHERE username = $1 AND seq = $2
	`, user, seq).Scan(&entry.Tier, &entry.Status, &entry.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return subscription.HistoryEntry{}, fmt.Errorf("history entry %d for %s: %w", seq, user, storage.ErrNotFound)
	}
	if err != nil {
		return subscription.HistoryEntry{}, err
	}
	return entry, nil
}

func (s *Store) AddCredits(ctx context.Context, user string, amount uint64, purchased bool) error {
	lifetime := uint64(0)
	if purchased {
		lifetime = amount
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ef_credits (username, balance, lifetime_purchased) VALUES ($1, $2, $3)
		ON CONFLICT (username) DO UPDATE
		SET balance = ef_credits.balance + $2,
		    lifetime_purchased = ef_credits.lifetime_purchased + $3
	`, user, amount, lifetime)
	return err
}

func (s *Store) SpendCredits(ctx context.Context, user string, amount uint64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ef_credits SET balance = balance - $2 WHERE username = $1 AND balance >= $2
	`, user, amount)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("spend %d credits from %s: %w", amount, user, subscription.ErrInsufficientBalance)
	}
	return nil
}

func (s *Store) TransferCredits(ctx context.Context, from, to string, amount uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE ef_credits SET balance = balance - $2 WHERE username = $1 AND balance >= $2
	`, from, amount)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("transfer %d credits from %s: %w", amount, from, subscription.ErrInsufficientBalance)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ef_credits (username, balance) VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE SET balance = ef_credits.balance + $2
	`, to, amount); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetCreditBalance(ctx context.Context, user string) (subscription.CreditBalance, error) {
	var bal subscription.CreditBalance
	err := s.db.QueryRowContext(ctx, `
		SELECT balance, lifetime_purchased FROM ef_credits WHERE username = $1
	`, user).Scan(&bal.Balance, &bal.LifetimePurchased)
	if errors.Is(err, sql.ErrNoRows) {
		return subscription.CreditBalance{}, nil
	}
	if err != nil {
		return subscription.CreditBalance{}, err
	}
	return bal, nil
}

func (s *Store) AddUsage(ctx context.Context, user string, events, credits uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ef_usage (username, events_used, credits_consumed) VALUES ($1, $2, $3)
		ON CONFLICT (username) DO UPDATE
		SET events_used = ef_usage.events_used + $2,
		    credits_consumed = ef_usage.credits_consumed + $3
	`, user, events, credits)
	return err
}

func (s *Store) GetUsageStats(ctx context.Context, user string) (subscription.UsageStats, error) {
	var st subscription.UsageStats
	err := s.db.QueryRowContext(ctx, `
		SELECT events_used, credits_consumed FROM ef_usage WHERE username = $1
	`, user).Scan(&st.EventsUsed, &st.CreditsConsumed)
	if errors.Is(err, sql.ErrNoRows) {
		return subscription.UsageStats{}, nil
	}
	if err != nil {
		return subscription.UsageStats{}, err
	}
	return st, nil
}

func (s *Store) CreateReferralCode(ctx context.Context, code subscription.ReferralCode) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ef_referral_codes (code, referrer, usage_count, earnings)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, code.Code, code.Referrer, code.UsageCount, code.Earnings)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("referral code %q: %w", code.Code, subscription.ErrCodeExists)
	}
	return nil
}

func (s *Store) GetReferralCode(ctx context.Context, code string) (subscription.ReferralCode, error) {
	rec := subscription.ReferralCode{Code: code}
	err := s.db.QueryRowContext(ctx, `
		SELECT referrer, usage_count, earnings FROM ef_referral_codes WHERE code = $1
	`, code).Scan(&rec.Referrer, &rec.UsageCount, &rec.Earnings)
	if errors.Is(err, sql.ErrNoRows) {
		return subscription.ReferralCode{}, fmt.Errorf("referral code %q: %w", code, storage.ErrNotFound)
	}
	if err != nil {
		return subscription.ReferralCode{}, err
	}
	return rec, nil
}

func (s *Store) RecordReferralUse(ctx context.Context, code string, earnings uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var referrer string
	err = tx.QueryRowContext(ctx, `
		UPDATE ef_referral_codes SET usage_count = usage_count + 1, earnings = earnings + $2
		WHERE code = $1
		RETURNING referrer
	`, code, earnings).Scan(&referrer)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("referral code %q: %w", code, storage.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ef_referral_earnings (username, earnings) VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE SET earnings = ef_referral_earnings.earnings + $2
	`, referrer, earnings); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetReferralEarnings(ctx context.Context, user string) (uint64, error) {
	var earned uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT earnings FROM ef_referral_earnings WHERE username = $1
	`, user).Scan(&earned)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return earned, err
}

func (s *Store) RecordRevenue(ctx context.Context, revenue, creditsPurchased uint64, newSubscription bool) error {
	subs := 0
	if newSubscription {
		subs = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE ef_revenue_stats
		SET total_revenue = total_revenue + $1,
		    total_credits_purchased = total_credits_purchased + $2,
		    total_subscriptions = total_subscriptions + $3
		WHERE id = 1
	`, revenue, creditsPurchased, subs)
	return err
}

func (s *Store) GetRevenueStats(ctx context.Context) (subscription.RevenueStats, error) {
	var st subscription.RevenueStats
	err := s.db.QueryRowContext(ctx, `
		SELECT total_revenue, total_subscriptions, total_credits_purchased FROM ef_revenue_stats WHERE id = 1
	`).Scan(&st.TotalRevenue, &st.TotalSubscriptions, &st.TotalCreditsPurchased)
	return st, err
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
