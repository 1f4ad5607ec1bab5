package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/peerlend/escrow-engine/internal/feed"
	"github.com/peerlend/escrow-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Collection names in the documents table.
const (
	collTickets       = "tickets"
	collWallets       = "wallets"
	collEscrows       = "escrows"
	collDisputes      = "disputes"
	collRules         = "rules"
	collAlerts        = "alerts"
	collProfiles      = "profiles"
	collRateLimits    = "rate_limits"
	collNotifications = "notifications"
	collPayments      = "payment_events"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Every document lives in one JSONB table keyed by (collection, id); the
// version column is authoritative and always equals the body's version.
// Monetary values are compared as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
	pub  feed.Publisher
}

// NewPostgresStore creates a new PostgreSQL-backed store. Committed ticket
// and alert writes are published to pub when it is non-nil.
func NewPostgresStore(pool *pgxpool.Pool, pub feed.Publisher) *PostgresStore {
	return &PostgresStore{pool: pool, pub: pub}
}

// Migrate creates the documents table and its indexes if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) publish(evs ...feed.Event) {
	if s.pub == nil {
		return
	}
	for _, ev := range evs {
		s.pub.Publish(ev)
	}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getDoc[T any](ctx context.Context, q querier, coll, id string, forUpdate bool, notFound error) (*T, error) {
	sql := `SELECT body FROM documents WHERE collection = $1 AND id = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var body []byte
	err := q.QueryRow(ctx, sql, coll, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", coll, id, notFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", coll, id, err)
	}
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", coll, id, err)
	}
	return &v, nil
}

func listDocs[T any](ctx context.Context, q querier, sql string, args ...any) ([]T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []T
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

// docRef locates one document row.
type docRef struct {
	coll      string
	id        string
	userID    string
	createdAt time.Time
}

// putDoc writes body (already carrying prev+1 as its version). prev == 0
// inserts; otherwise the row must still be at prev.
func putDoc(ctx context.Context, q querier, ref docRef, prev int64, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", ref.coll, ref.id, err)
	}

	var tag pgconn.CommandTag
	if prev == 0 {
		tag, err = q.Exec(ctx,
			`INSERT INTO documents (collection, id, user_id, version, body, created_at)
			 VALUES ($1, $2, $3, 1, $4, $5)
			 ON CONFLICT (collection, id) DO NOTHING`,
			ref.coll, ref.id, ref.userID, data, ref.createdAt)
	} else {
		tag, err = q.Exec(ctx,
			`UPDATE documents
			 SET body = $4, user_id = $3, version = $5 + 1, updated_at = now()
			 WHERE collection = $1 AND id = $2 AND version = $5`,
			ref.coll, ref.id, ref.userID, data, prev)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%s %s: %w", ref.coll, ref.id, model.ErrAlreadyExists)
		}
		return fmt.Errorf("put %s %s: %w", ref.coll, ref.id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s at version %d: %w", ref.coll, ref.id, prev, model.ErrVersionConflict)
	}
	return nil
}

// --- Tickets ---

func (s *PostgresStore) CreateTicket(ctx context.Context, t *model.TradeTicket) error {
	c := t.Clone()
	c.Version = 1
	err := putDoc(ctx, s.pool, docRef{collTickets, t.ID, t.UserID, t.CreatedAt}, 0, c)
	if errors.Is(err, model.ErrVersionConflict) {
		return fmt.Errorf("ticket %s: %w", t.ID, model.ErrAlreadyExists)
	}
	if err != nil {
		return err
	}
	t.Version = 1
	s.publish(feed.TicketEvent(feed.Added, c))
	return nil
}

func (s *PostgresStore) GetTicket(ctx context.Context, id string) (*model.TradeTicket, error) {
	return getDoc[model.TradeTicket](ctx, s.pool, collTickets, id, false, model.ErrNotFound)
}

func (s *PostgresStore) ListOpenTickets(ctx context.Context, typ model.TicketType, amount decimal.Decimal) ([]model.TradeTicket, error) {
	return listDocs[model.TradeTicket](ctx, s.pool,
		`SELECT body FROM documents
		 WHERE collection = 'tickets' AND body->>'status' = 'open'
		   AND body->>'type' = $1 AND (body->>'amount')::NUMERIC = $2::NUMERIC
		 ORDER BY created_at, id`,
		string(typ), amount.String())
}

func (s *PostgresStore) ListUserTicketsBetween(ctx context.Context, userID string, from, to time.Time) ([]model.TradeTicket, error) {
	return listDocs[model.TradeTicket](ctx, s.pool,
		`SELECT body FROM documents
		 WHERE collection = 'tickets' AND user_id = $1 AND created_at BETWEEN $2 AND $3
		 ORDER BY created_at, id`,
		userID, from, to)
}

func (s *PostgresStore) ListTickets(ctx context.Context, f model.TicketFilter) ([]model.TradeTicket, error) {
	where := []string{"collection = 'tickets'"}
	var args []any
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("body->>'status' = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		where = append(where, fmt.Sprintf("body->>'type' = $%d", len(args)))
	}
	sql := `SELECT body FROM documents WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return listDocs[model.TradeTicket](ctx, s.pool, sql, args...)
}

// --- Wallets and escrow ---

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return getDoc[model.Wallet](ctx, s.pool, collWallets, userID, false, model.ErrWalletNotFound)
}

func (s *PostgresStore) SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	return s.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		w, err := tx.GetWallet(ctx, userID)
		if errors.Is(err, model.ErrWalletNotFound) {
			w = &model.Wallet{UserID: userID, Currency: "NGN"}
		} else if err != nil {
			return err
		}
		w.Balance = balance
		w.UpdatedAt = time.Now().UTC()
		return tx.PutWallet(ctx, w)
	})
}

func (s *PostgresStore) GetEscrowByTicket(ctx context.Context, ticketID string) (*model.EscrowTransaction, error) {
	return getEscrowByTicket(ctx, s.pool, ticketID, false)
}

func getEscrowByTicket(ctx context.Context, q querier, ticketID string, forUpdate bool) (*model.EscrowTransaction, error) {
	sql := `SELECT body FROM documents
		 WHERE collection = 'escrows'
		   AND (body->>'ticket_id' = $1 OR body->>'matched_ticket_id' = $1)
		 LIMIT 1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	escrows, err := listDocs[model.EscrowTransaction](ctx, q, sql, ticketID)
	if err != nil {
		return nil, fmt.Errorf("get escrow for ticket %s: %w", ticketID, err)
	}
	if len(escrows) == 0 {
		return nil, fmt.Errorf("escrow for ticket %s: %w", ticketID, model.ErrNotFound)
	}
	return &escrows[0], nil
}

// --- Disputes ---

func (s *PostgresStore) GetDispute(ctx context.Context, id string) (*model.Dispute, error) {
	return getDoc[model.Dispute](ctx, s.pool, collDisputes, id, false, model.ErrNotFound)
}

func (s *PostgresStore) UpdateDispute(ctx context.Context, d *model.Dispute) error {
	c := d.Clone()
	c.Version = d.Version + 1
	if err := putDoc(ctx, s.pool, docRef{collDisputes, d.ID, d.UserID, d.CreatedAt}, d.Version, c); err != nil {
		return err
	}
	d.Version = c.Version
	return nil
}

func (s *PostgresStore) ListDisputesByTicket(ctx context.Context, ticketID string) ([]model.Dispute, error) {
	return listDocs[model.Dispute](ctx, s.pool,
		`SELECT body FROM documents
		 WHERE collection = 'disputes' AND body->>'ticket_id' = $1
		 ORDER BY created_at`, ticketID)
}

// --- Rules and alerts ---

func (s *PostgresStore) ListRules(ctx context.Context, enabledOnly bool) ([]model.MonitoringRule, error) {
	sql := `SELECT body FROM documents WHERE collection = 'rules'`
	if enabledOnly {
		sql += ` AND (body->>'enabled')::BOOLEAN`
	}
	return listDocs[model.MonitoringRule](ctx, s.pool, sql+` ORDER BY id`)
}

func (s *PostgresStore) PutRule(ctx context.Context, r *model.MonitoringRule) error {
	c := *r
	c.Version = r.Version + 1
	if err := putDoc(ctx, s.pool, docRef{collRules, r.ID, "", r.CreatedAt}, r.Version, &c); err != nil {
		return err
	}
	r.Version = c.Version
	return nil
}

func (s *PostgresStore) CreateAlert(ctx context.Context, a *model.TransactionAlert) error {
	c := a.Clone()
	c.Version = 1
	err := putDoc(ctx, s.pool, docRef{collAlerts, a.ID, a.UserID, a.DetectedAt}, 0, c)
	if errors.Is(err, model.ErrVersionConflict) {
		return fmt.Errorf("alert %s: %w", a.ID, model.ErrAlreadyExists)
	}
	if err != nil {
		return err
	}
	a.Version = 1
	s.publish(feed.AlertEvent(feed.Added, c))
	return nil
}

func (s *PostgresStore) FindOpenAlert(ctx context.Context, userID, ruleID string) (*model.TransactionAlert, error) {
	alerts, err := listDocs[model.TransactionAlert](ctx, s.pool,
		`SELECT body FROM documents
		 WHERE collection = 'alerts' AND user_id = $1 AND body->>'rule_id' = $2
		   AND body->>'status' IN ('new', 'under-review')
		 LIMIT 1`, userID, ruleID)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, fmt.Errorf("open alert for user %s rule %s: %w", userID, ruleID, model.ErrNotFound)
	}
	return &alerts[0], nil
}

func (s *PostgresStore) GetAlert(ctx context.Context, id string) (*model.TransactionAlert, error) {
	return getDoc[model.TransactionAlert](ctx, s.pool, collAlerts, id, false, model.ErrNotFound)
}

func (s *PostgresStore) UpdateAlert(ctx context.Context, a *model.TransactionAlert) error {
	c := a.Clone()
	c.Version = a.Version + 1
	if err := putDoc(ctx, s.pool, docRef{collAlerts, a.ID, a.UserID, a.DetectedAt}, a.Version, c); err != nil {
		return err
	}
	a.Version = c.Version
	s.publish(feed.AlertEvent(feed.Modified, c))
	return nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, f model.AlertFilter) ([]model.TransactionAlert, error) {
	where := []string{"collection = 'alerts'"}
	var args []any
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("body->>'status' = $%d", len(args)))
	}
	if f.Severity != "" {
		args = append(args, string(f.Severity))
		where = append(where, fmt.Sprintf("body->>'severity' = $%d", len(args)))
	}
	sql := `SELECT body FROM documents WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return listDocs[model.TransactionAlert](ctx, s.pool, sql, args...)
}

// --- Profiles ---

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	return getDoc[model.UserProfile](ctx, s.pool, collProfiles, userID, false, model.ErrNotFound)
}

func (s *PostgresStore) PutProfile(ctx context.Context, p *model.UserProfile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO documents (collection, id, user_id, version, body, created_at)
		 VALUES ('profiles', $1, $1, 1, $2, $3)
		 ON CONFLICT (collection, id)
		 DO UPDATE SET body = EXCLUDED.body, version = documents.version + 1, updated_at = now()`,
		p.UserID, data, p.CreatedAt)
	return err
}

func (s *PostgresStore) GetUserRole(ctx context.Context, userID string) (model.Role, error) {
	p, err := s.GetProfile(ctx, userID)
	if errors.Is(err, model.ErrNotFound) {
		return model.RoleUser, nil
	}
	if err != nil {
		return "", err
	}
	if p.Role == "" {
		return model.RoleUser, nil
	}
	return p.Role, nil
}

func (s *PostgresStore) ListUsersByRole(ctx context.Context, roles ...model.Role) ([]string, error) {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM documents
		 WHERE collection = 'profiles' AND body->>'role' = ANY($1)
		 ORDER BY id`, names)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// --- Rate limits ---

func (s *PostgresStore) GetRateLimit(ctx context.Context, key string) (*model.RateLimitRecord, error) {
	return getDoc[model.RateLimitRecord](ctx, s.pool, collRateLimits, key, false, model.ErrNotFound)
}

func (s *PostgresStore) PutRateLimit(ctx context.Context, r *model.RateLimitRecord) error {
	c := *r
	c.Version = r.Version + 1
	if err := putDoc(ctx, s.pool, docRef{collRateLimits, r.Key, "", r.FirstAttempt}, r.Version, &c); err != nil {
		return err
	}
	r.Version = c.Version
	return nil
}

// --- Notifications and payments ---

func (s *PostgresStore) InsertNotification(ctx context.Context, n *model.Notification) error {
	return putDoc(ctx, s.pool, docRef{collNotifications, n.ID, n.UserID, n.CreatedAt}, 0, n)
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	sql := `SELECT body FROM documents
		 WHERE collection = 'notifications' AND user_id = $1
		 ORDER BY created_at DESC`
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}
	return listDocs[model.Notification](ctx, s.pool, sql, userID)
}

func (s *PostgresStore) InsertPaymentEvent(ctx context.Context, e *model.PaymentEvent) error {
	return putDoc(ctx, s.pool, docRef{collPayments, e.ID, "", e.ReceivedAt}, 0, e)
}
