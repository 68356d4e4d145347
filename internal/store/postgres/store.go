package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"campusdine/token-service/internal/models"
	"campusdine/token-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tokenColumns = `token_id, booking_id, user_id, slot_id, booking_date::text, token_number,
	counter_id, token_status, activated_at, called_at, served_at, served_counter_id, created_at, updated_at`

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return store.Unavailable(s.pool.Ping(ctx))
}

// ReadOnly runs fn inside a repeatable-read, read-only transaction so every
// query in fn sees the same snapshot.
func (s *Store) ReadOnly(ctx context.Context, fn func(store.Reader) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return store.Wrap(err, "begin read transaction")
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	return fn(&reader{tx: tx})
}

func (s *Store) WithinTx(ctx context.Context, fn func(store.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(&txStore{reader: reader{tx: tx}}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return store.Wrap(mapError(err), "commit transaction")
	}
	return nil
}

type reader struct {
	tx pgx.Tx
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanToken(row scanner) (models.Token, error) {
	var token models.Token
	var status string
	var counterIDNull sql.NullInt64
	var activatedAtNull sql.NullTime
	var calledAtNull sql.NullTime
	var servedAtNull sql.NullTime
	var servedCounterNull sql.NullInt64
	if err := row.Scan(&token.TokenID, &token.BookingID, &token.UserID, &token.SlotID, &token.BookingDate, &token.TokenNumber,
		&counterIDNull, &status, &activatedAtNull, &calledAtNull, &servedAtNull, &servedCounterNull, &token.CreatedAt, &token.UpdatedAt); err != nil {
		return models.Token{}, err
	}
	token.Status = models.TokenStatus(status)
	token.CounterID = nullInt64Ptr(counterIDNull)
	token.ActivatedAt = nullTimePtr(activatedAtNull)
	token.CalledAt = nullTimePtr(calledAtNull)
	token.ServedAt = nullTimePtr(servedAtNull)
	token.ServedCounterID = nullInt64Ptr(servedCounterNull)
	return token, nil
}

func (r *reader) queryToken(ctx context.Context, query string, args ...interface{}) (models.Token, error) {
	token, err := scanToken(r.tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, store.Wrap(err, "query token")
	}
	return token, nil
}

func (r *reader) queryTokens(ctx context.Context, query string, args ...interface{}) ([]models.Token, error) {
	rows, err := r.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, store.Wrap(err, "query tokens")
	}
	defer rows.Close()

	var tokens []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, store.Wrap(err, "scan token")
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap(err, "query tokens")
	}
	return tokens, nil
}

func (r *reader) GetToken(ctx context.Context, tokenID int64) (models.Token, error) {
	return r.queryToken(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE token_id = $1`, tokenID)
}

func (r *reader) GetTokenByBooking(ctx context.Context, bookingID int64) (models.Token, error) {
	return r.queryToken(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE booking_id = $1
		ORDER BY token_id DESC
		LIMIT 1
	`, bookingID)
}

func (r *reader) ListTokens(ctx context.Context, filter store.TokenFilter) ([]models.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE TRUE`
	var args []interface{}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += " AND user_id = $" + placeholder(len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += " AND token_status = $" + placeholder(len(args))
	}
	if filter.BookingDate != "" {
		args = append(args, filter.BookingDate)
		query += " AND booking_date = $" + placeholder(len(args)) + "::date"
	}
	query += " ORDER BY token_id DESC"
	return r.queryTokens(ctx, query, args...)
}

func (r *reader) ListCounters(ctx context.Context) ([]models.Counter, error) {
	return queryCounters(ctx, r.tx, `SELECT counter_id, counter_name, is_active FROM counters ORDER BY counter_id`)
}

func queryCounters(ctx context.Context, tx pgx.Tx, query string) ([]models.Counter, error) {
	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, store.Wrap(err, "query counters")
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		var counter models.Counter
		if err := rows.Scan(&counter.CounterID, &counter.Name, &counter.IsActive); err != nil {
			return nil, store.Wrap(err, "scan counter")
		}
		counters = append(counters, counter)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap(err, "query counters")
	}
	return counters, nil
}

func (r *reader) GetCounter(ctx context.Context, counterID int64) (models.Counter, error) {
	var counter models.Counter
	row := r.tx.QueryRow(ctx, `
		SELECT counter_id, counter_name, is_active FROM counters WHERE counter_id = $1
	`, counterID)
	if err := row.Scan(&counter.CounterID, &counter.Name, &counter.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, store.Wrap(err, "query counter")
	}
	return counter, nil
}

func (r *reader) ListCounterTokens(ctx context.Context, counterID int64) ([]models.Token, error) {
	return r.queryTokens(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE counter_id = $1 AND token_status IN ('active','serving')
		ORDER BY token_status = 'serving' DESC, activated_at ASC, token_id ASC
	`, counterID)
}

func (r *reader) RecentServed(ctx context.Context, counterID int64, limit int) ([]models.Token, error) {
	return r.queryTokens(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE served_counter_id = $1 AND token_status = 'served'
		ORDER BY served_at DESC, token_id DESC
		LIMIT $2
	`, counterID, limit)
}

func (r *reader) ListSlotTokens(ctx context.Context, slotID int64, bookingDate string) ([]models.Token, error) {
	return r.queryTokens(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE slot_id = $1 AND booking_date = $2::date
		ORDER BY token_id
	`, slotID, bookingDate)
}

type txStore struct {
	reader
}

// LockCounters takes row locks on every counter in id order. All assignment
// changes go through it first, so they serialize on the counter set.
func (t *txStore) LockCounters(ctx context.Context) ([]models.Counter, error) {
	return queryCounters(ctx, t.tx, `
		SELECT counter_id, counter_name, is_active FROM counters ORDER BY counter_id FOR UPDATE
	`)
}

func (t *txStore) LockToken(ctx context.Context, tokenID int64) (models.Token, error) {
	return t.queryToken(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE token_id = $1 FOR UPDATE`, tokenID)
}

func (t *txStore) FindOpenToken(ctx context.Context, bookingID int64) (models.Token, bool, error) {
	token, err := t.queryToken(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE booking_id = $1 AND token_status IN ('pending','active','serving')
		LIMIT 1
		FOR UPDATE
	`, bookingID)
	if err != nil {
		if errors.Is(err, store.ErrTokenNotFound) {
			return models.Token{}, false, nil
		}
		return models.Token{}, false, err
	}
	return token, true, nil
}

func (t *txStore) CounterLoads(ctx context.Context) (map[int64]int, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT counter_id, COUNT(*)
		FROM tokens
		WHERE token_status IN ('active','serving')
		GROUP BY counter_id
	`)
	if err != nil {
		return nil, store.Wrap(err, "query counter loads")
	}
	defer rows.Close()

	loads := map[int64]int{}
	for rows.Next() {
		var counterID int64
		var count int
		if err := rows.Scan(&counterID, &count); err != nil {
			return nil, store.Wrap(err, "scan counter load")
		}
		loads[counterID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap(err, "query counter loads")
	}
	return loads, nil
}

func (t *txStore) NextTokenNumber(ctx context.Context, bookingDate string, slotID int64) (int64, error) {
	var next int64
	row := t.tx.QueryRow(ctx, `
		INSERT INTO token_sequences (booking_date, slot_id, next_number)
		VALUES ($1::date, $2, 1)
		ON CONFLICT (booking_date, slot_id)
		DO UPDATE SET next_number = token_sequences.next_number + 1
		RETURNING next_number
	`, bookingDate, slotID)
	if err := row.Scan(&next); err != nil {
		return 0, store.Wrap(err, "allocate token number")
	}
	return next, nil
}

func (t *txStore) InsertToken(ctx context.Context, token models.Token) (models.Token, error) {
	createdAt := token.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := token.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	row := t.tx.QueryRow(ctx, `
		INSERT INTO tokens (
			booking_id, user_id, slot_id, booking_date, token_number, counter_id,
			token_status, activated_at, called_at, served_at, served_counter_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4::date,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING token_id
	`, token.BookingID, token.UserID, token.SlotID, token.BookingDate, token.TokenNumber, token.CounterID,
		string(token.Status), token.ActivatedAt, token.CalledAt, token.ServedAt, token.ServedCounterID, createdAt, updatedAt)
	if err := row.Scan(&token.TokenID); err != nil {
		return models.Token{}, store.Wrap(mapError(err), "insert token")
	}
	token.CreatedAt = createdAt
	token.UpdatedAt = updatedAt
	return token, nil
}

func (t *txStore) UpdateToken(ctx context.Context, token models.Token) error {
	updatedAt := token.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE tokens
		SET counter_id = $2,
			token_status = $3,
			activated_at = $4,
			called_at = $5,
			served_at = $6,
			served_counter_id = $7,
			updated_at = $8
		WHERE token_id = $1
	`, token.TokenID, token.CounterID, string(token.Status), token.ActivatedAt, token.CalledAt, token.ServedAt, token.ServedCounterID, updatedAt)
	if err != nil {
		return store.Wrap(mapError(err), "update token")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrTokenNotFound
	}
	return nil
}

func (t *txStore) SetCounterActive(ctx context.Context, counterID int64, active bool) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE counters SET is_active = $2, updated_at = now() WHERE counter_id = $1
	`, counterID, active)
	if err != nil {
		return store.Wrap(err, "update counter")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrCounterNotFound
	}
	return nil
}

func (t *txStore) InsertReassignment(ctx context.Context, reassignment models.TokenReassignment) (models.TokenReassignment, error) {
	reassignedAt := reassignment.ReassignedAt
	if reassignedAt.IsZero() {
		reassignedAt = time.Now().UTC()
	}
	row := t.tx.QueryRow(ctx, `
		INSERT INTO token_reassignments (
			token_id, from_counter_id, to_counter_id, new_position, notified, reason, reassigned_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING reassignment_id
	`, reassignment.TokenID, reassignment.FromCounterID, reassignment.ToCounterID, reassignment.NewPosition,
		reassignment.Notified, nullIfEmpty(reassignment.Reason), reassignedAt)
	if err := row.Scan(&reassignment.ReassignmentID); err != nil {
		return models.TokenReassignment{}, store.Wrap(err, "insert reassignment")
	}
	reassignment.ReassignedAt = reassignedAt
	return reassignment, nil
}

func (t *txStore) MarkReassignmentsNotified(ctx context.Context, reassignmentIDs []int64) error {
	if len(reassignmentIDs) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE token_reassignments SET notified = TRUE WHERE reassignment_id = ANY($1)
	`, reassignmentIDs)
	return store.Wrap(err, "mark reassignments notified")
}

func (t *txStore) ListStaleCalled(ctx context.Context, calledBefore time.Time, limit int) ([]models.Token, error) {
	return t.queryTokens(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE token_status = 'active' AND called_at <= $1
		ORDER BY called_at ASC, token_id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, calledBefore, limit)
}

// mapError turns unique-index violations into the conflict they stand for.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case "tokens_serving_counter_uidx":
		return store.ErrCounterBusy
	case "tokens_open_booking_uidx":
		return store.ErrDuplicateToken
	case "tokens_number_uidx":
		return store.ErrDuplicateToken.With("token number already issued")
	default:
		return err
	}
}

func placeholder(n int) string {
	return strconv.Itoa(n)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullInt64Ptr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	return &value.Int64
}
