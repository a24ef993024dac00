package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// maxRowsPerStatement keeps multi-row VALUES lists well under the
// Postgres bind parameter limit.
const maxRowsPerStatement = 500

// VoteWriter is the set of writes the vote synchronizer issues. PostgresStore
// and MemoryStore implement it directly and inside InTx.
type VoteWriter interface {
	UpsertVoteEvents(ctx context.Context, rows []VoteEvent) (map[string]int64, error)
	UpsertLegislators(ctx context.Context, rows []Legislator) error
	LegislatorIDs(ctx context.Context, provider string, personIDs []string) (map[string]int64, error)
	UpsertVoteRecords(ctx context.Context, rows []VoteRecord) error
	DeleteVoteRecords(ctx context.Context, voteEventID int64) (int64, error)
	PruneVoteRecords(ctx context.Context, voteEventID int64, keepLegislatorIDs []int64) (int64, error)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
	q  querier
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn against a writer bound to one transaction. Nested calls reuse
// the outer transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(VoteWriter) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&PostgresStore{db: s.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountEligibleBills(ctx context.Context) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM bills WHERE openstates_bill_id IS NOT NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count eligible bills: %w", err)
	}
	return count, nil
}

// ListEligibleBills pages through bills that carry a provider id, ordered by id.
func (s *PostgresStore) ListEligibleBills(ctx context.Context, offset, limit int) ([]Bill, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT b.id, b.bill_number, b.title, b.openstates_bill_id,
			EXISTS(SELECT 1 FROM vote_events ve WHERE ve.bill_id = b.id)
		FROM bills b
		WHERE b.openstates_bill_id IS NOT NULL
		ORDER BY b.id ASC
		OFFSET $1 LIMIT $2
	`, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list eligible bills: %w", err)
	}
	defer rows.Close()

	items := make([]Bill, 0, limit)
	for rows.Next() {
		var item Bill
		if err := rows.Scan(&item.ID, &item.BillNumber, &item.Title, &item.OpenStatesBillID, &item.HasVoteEvents); err != nil {
			return nil, fmt.Errorf("scan bill: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bills: %w", err)
	}
	return items, nil
}

// BillsByProviderIDs resolves provider bill ids to bill rows. Unknown ids are
// absent from the result.
func (s *PostgresStore) BillsByProviderIDs(ctx context.Context, providerIDs []string) (map[string]Bill, error) {
	out := make(map[string]Bill, len(providerIDs))
	if len(providerIDs) == 0 {
		return out, nil
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, bill_number, title, openstates_bill_id
		FROM bills
		WHERE openstates_bill_id = ANY($1)
	`, providerIDs)
	if err != nil {
		return nil, fmt.Errorf("lookup bills: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item Bill
		if err := rows.Scan(&item.ID, &item.BillNumber, &item.Title, &item.OpenStatesBillID); err != nil {
			return nil, fmt.Errorf("scan bill: %w", err)
		}
		out[item.OpenStatesBillID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bills: %w", err)
	}
	return out, nil
}

// ClaimBill sets the processing lease when the bill is unclaimed, its lease
// has expired, or owner already holds it.
func (s *PostgresStore) ClaimBill(ctx context.Context, billID int64, owner string, expiresAt, now time.Time) (bool, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE bills
		SET processing_owner=$2, processing_expires_at=$3
		WHERE id=$1
		  AND (processing_owner IS NULL
		    OR processing_owner=$2
		    OR processing_expires_at IS NULL
		    OR processing_expires_at <= $4)
	`, billID, owner, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("claim bill: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim bill rows: %w", err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) ReleaseBill(ctx context.Context, billID int64, owner string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE bills
		SET processing_owner=NULL, processing_expires_at=NULL
		WHERE id=$1 AND processing_owner=$2
	`, billID, owner)
	if err != nil {
		return fmt.Errorf("release bill: %w", err)
	}
	return nil
}

func (s *PostgresStore) BillLease(ctx context.Context, billID int64) (Lease, error) {
	var owner sql.NullString
	var expiresAt sql.NullTime
	err := s.q.QueryRowContext(ctx, `SELECT processing_owner, processing_expires_at FROM bills WHERE id=$1`, billID).Scan(&owner, &expiresAt)
	if err != nil {
		return Lease{}, fmt.Errorf("read bill lease: %w", err)
	}
	return Lease{Owner: owner.String, ExpiresAt: expiresAt.Time}, nil
}

func (s *PostgresStore) UpsertVoteEvents(ctx context.Context, rows []VoteEvent) (map[string]int64, error) {
	ids := make(map[string]int64, len(rows))
	for _, chunk := range chunkRows(rows) {
		args := make([]any, 0, len(chunk)*9)
		for _, row := range chunk {
			args = append(args,
				row.Provider,
				row.ProviderVoteEventID,
				row.BillID,
				nullString(row.MotionText),
				nullString(row.Result),
				nullString(row.Chamber),
				nullTime(row.Date),
				nullTime(row.ProviderUpdatedAt),
				row.UpdatedAt,
			)
		}
		result, err := s.q.QueryContext(ctx, `
			INSERT INTO vote_events (provider, provider_vote_event_id, bill_id, motion, result, chamber, date, provider_updated_at, updated_at)
			VALUES `+valuesList(len(chunk), 9)+`
			ON CONFLICT (provider, provider_vote_event_id) DO UPDATE SET
				bill_id=EXCLUDED.bill_id,
				motion=EXCLUDED.motion,
				result=EXCLUDED.result,
				chamber=EXCLUDED.chamber,
				date=EXCLUDED.date,
				provider_updated_at=EXCLUDED.provider_updated_at,
				updated_at=EXCLUDED.updated_at
			RETURNING id, provider_vote_event_id
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("upsert vote events: %w", err)
		}
		if err := scanIDMap(result, ids); err != nil {
			return nil, fmt.Errorf("read upserted vote events: %w", err)
		}
	}
	return ids, nil
}

func (s *PostgresStore) UpsertLegislators(ctx context.Context, rows []Legislator) error {
	for _, chunk := range chunkRows(rows) {
		args := make([]any, 0, len(chunk)*6)
		for _, row := range chunk {
			args = append(args,
				row.Provider,
				row.ProviderPersonID,
				row.Name,
				nullString(row.Chamber),
				nullString(row.LookupKey),
				row.UpdatedAt,
			)
		}
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO legislators (provider, provider_person_id, name, chamber, lookup_key, updated_at)
			VALUES `+valuesList(len(chunk), 6)+`
			ON CONFLICT (provider, provider_person_id) DO UPDATE SET
				name=EXCLUDED.name,
				chamber=COALESCE(EXCLUDED.chamber, legislators.chamber),
				lookup_key=COALESCE(EXCLUDED.lookup_key, legislators.lookup_key),
				updated_at=EXCLUDED.updated_at
		`, args...)
		if err != nil {
			return fmt.Errorf("upsert legislators: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) LegislatorIDs(ctx context.Context, provider string, personIDs []string) (map[string]int64, error) {
	ids := make(map[string]int64, len(personIDs))
	if len(personIDs) == 0 {
		return ids, nil
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, provider_person_id
		FROM legislators
		WHERE provider=$1 AND provider_person_id = ANY($2)
	`, provider, personIDs)
	if err != nil {
		return nil, fmt.Errorf("select legislators: %w", err)
	}
	if err := scanIDMap(rows, ids); err != nil {
		return nil, fmt.Errorf("read legislators: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) UpsertVoteRecords(ctx context.Context, rows []VoteRecord) error {
	for _, chunk := range chunkRows(rows) {
		args := make([]any, 0, len(chunk)*5)
		for _, row := range chunk {
			args = append(args, row.VoteEventID, row.LegislatorID, row.Choice, nullString(row.ProviderOption), row.UpdatedAt)
		}
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO vote_records (vote_event_id, legislator_id, choice, provider_option, updated_at)
			VALUES `+valuesList(len(chunk), 5)+`
			ON CONFLICT (vote_event_id, legislator_id) DO UPDATE SET
				choice=EXCLUDED.choice,
				provider_option=EXCLUDED.provider_option,
				updated_at=EXCLUDED.updated_at
		`, args...)
		if err != nil {
			return fmt.Errorf("upsert vote records: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) DeleteVoteRecords(ctx context.Context, voteEventID int64) (int64, error) {
	result, err := s.q.ExecContext(ctx, `DELETE FROM vote_records WHERE vote_event_id=$1`, voteEventID)
	if err != nil {
		return 0, fmt.Errorf("delete vote records: %w", err)
	}
	return result.RowsAffected()
}

// PruneVoteRecords deletes the event's records whose legislator is not in keep.
func (s *PostgresStore) PruneVoteRecords(ctx context.Context, voteEventID int64, keepLegislatorIDs []int64) (int64, error) {
	if len(keepLegislatorIDs) == 0 {
		return s.DeleteVoteRecords(ctx, voteEventID)
	}
	result, err := s.q.ExecContext(ctx, `
		DELETE FROM vote_records
		WHERE vote_event_id=$1 AND NOT (legislator_id = ANY($2))
	`, voteEventID, keepLegislatorIDs)
	if err != nil {
		return 0, fmt.Errorf("prune vote records: %w", err)
	}
	return result.RowsAffected()
}

// VoteRecords lists the stored records of one event ordered by legislator.
func (s *PostgresStore) VoteRecords(ctx context.Context, voteEventID int64) ([]VoteRecord, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT vote_event_id, legislator_id, choice, COALESCE(provider_option, ''), updated_at
		FROM vote_records
		WHERE vote_event_id=$1
		ORDER BY legislator_id ASC
	`, voteEventID)
	if err != nil {
		return nil, fmt.Errorf("list vote records: %w", err)
	}
	defer rows.Close()

	items := make([]VoteRecord, 0)
	for rows.Next() {
		var item VoteRecord
		if err := rows.Scan(&item.VoteEventID, &item.LegislatorID, &item.Choice, &item.ProviderOption, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan vote record: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vote records: %w", err)
	}
	return items, nil
}

// GetWatermark returns the last successful run of a job, or ok=false when
// the job never completed.
func (s *PostgresStore) GetWatermark(ctx context.Context, key string) (time.Time, bool, error) {
	var lastRun time.Time
	err := s.q.QueryRowContext(ctx, `SELECT last_run FROM job_state WHERE key=$1`, key).Scan(&lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read job state: %w", err)
	}
	return lastRun, true, nil
}

func (s *PostgresStore) SetWatermark(ctx context.Context, key string, lastRun time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO job_state (key, last_run, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET last_run=EXCLUDED.last_run, updated_at=NOW()
	`, key, lastRun)
	if err != nil {
		return fmt.Errorf("save job state: %w", err)
	}
	return nil
}

func scanIDMap(rows *sql.Rows, into map[string]int64) error {
	defer rows.Close()
	for rows.Next() {
		var id int64
		var key string
		if err := rows.Scan(&id, &key); err != nil {
			return err
		}
		into[key] = id
	}
	return rows.Err()
}

// valuesList renders "($1,$2),($3,$4)" for rowCount rows of width columns.
func valuesList(rowCount, width int) string {
	var b strings.Builder
	param := 1
	for row := 0; row < rowCount; row++ {
		if row > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for col := 0; col < width; col++ {
			if col > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "$%d", param)
			param++
		}
		b.WriteByte(')')
	}
	return b.String()
}

func chunkRows[T any](rows []T) [][]T {
	chunks := make([][]T, 0, len(rows)/maxRowsPerStatement+1)
	for start := 0; start < len(rows); start += maxRowsPerStatement {
		chunks = append(chunks, rows[start:min(start+maxRowsPerStatement, len(rows))])
	}
	return chunks
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}
