package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"product-query-service/internal/domain"
	"product-query-service/internal/tags"
)

// Predefined errors for store operations
var (
	ErrProductNotFound = errors.New("store: product not found")
	ErrLockNotHeld     = errors.New("store: maintenance lock not held")
)

// maintenanceLockKey identifies the advisory lock serializing full imports
// against every other tag-table writer.
const maintenanceLockKey = 5743

// PostgresStore implements the EventStorer, MirrorStorer and ReportStorer
// interfaces using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	schema *tags.Schema
}

// NewPostgresStore creates a new PostgresStore instance.
func NewPostgresStore(db *sql.DB, schema *tags.Schema) *PostgresStore {
	return &PostgresStore{db: db, schema: schema}
}

// --- EventStorer Implementation ---

// RecordUpdateEvent appends one audit row. The table carries no uniqueness
// constraint: redelivered events are each recorded as a distinct row.
func (s *PostgresStore) RecordUpdateEvent(ctx context.Context, eventID string, payload []byte, receivedAt time.Time) error {
	query := `
		INSERT INTO product_update_event (event_id, payload, received_at)
		VALUES ($1, $2, $3);
	`
	if _, err := s.db.ExecContext(ctx, query, eventID, payload, receivedAt); err != nil {
		return fmt.Errorf("store: RecordUpdateEvent failed to insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrCreateContributor(ctx context.Context, userID string) (*domain.Contributor, error) {
	insert := `
		INSERT INTO contributor (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING id;
	`
	var id int64
	err := s.db.QueryRowContext(ctx, insert, userID).Scan(&id)
	if err == nil {
		return &domain.Contributor{ID: id, UserID: userID}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: GetOrCreateContributor failed to insert: %w", err)
	}

	// Conflict: the row already exists, possibly inserted by a concurrent
	// writer a moment ago.
	sel := `SELECT id FROM contributor WHERE user_id = $1;`
	if err := s.db.QueryRowContext(ctx, sel, userID).Scan(&id); err != nil {
		return nil, fmt.Errorf("store: GetOrCreateContributor failed to select: %w", err)
	}
	return &domain.Contributor{ID: id, UserID: userID}, nil
}

// UpsertProductForEvent creates the product on first sight or advances its
// stored revision to at least the given one. A nil revision keeps the stored
// value (senders may omit it); a first-ever event with no revision starts the
// product at revision zero.
func (s *PostgresStore) UpsertProductForEvent(ctx context.Context, code string, revision *int) (*domain.Product, error) {
	query := `
		INSERT INTO product (code, revision)
		VALUES ($1, COALESCE($2, 0))
		ON CONFLICT (code) DO UPDATE
		SET revision = GREATEST(product.revision, COALESCE($2, product.revision))
		RETURNING id, code, revision, creator, owners_tags, obsolete, product_type, last_updated;
	`
	return s.scanProduct(s.db.QueryRowContext(ctx, query, code, revision))
}

// InsertProductUpdate inserts the aggregation row for one (product, revision)
// pair and reports whether a row was actually written. The uniqueness
// constraint, not a prior read, makes replays and concurrent duplicate
// deliveries a silent no-op.
func (s *PostgresStore) InsertProductUpdate(ctx context.Context, update *domain.ProductUpdate) (bool, error) {
	query := `
		INSERT INTO product_update (product_id, revision, update_type, contributor_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (product_id, revision) DO NOTHING;
	`
	result, err := s.db.ExecContext(ctx, query,
		update.ProductID, update.Revision, update.UpdateType, update.ContributorID, update.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("store: InsertProductUpdate failed to insert: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: InsertProductUpdate failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// --- MirrorStorer Implementation ---

// AcquireMaintenanceLock takes the advisory lock guarding destructive full
// imports. Advisory locks are session-scoped, so the lock is pinned to a
// dedicated connection until release is called.
func (s *PostgresStore) AcquireMaintenanceLock(ctx context.Context) (release func(), ok bool, err error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("store: AcquireMaintenanceLock failed to get connection: %w", err)
	}

	var locked bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1);`, maintenanceLockKey).Scan(&locked); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("store: AcquireMaintenanceLock failed to lock: %w", err)
	}
	if !locked {
		conn.Close()
		return nil, false, nil
	}

	release = func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1);`, maintenanceLockKey)
		conn.Close()
	}
	return release, true, nil
}

// AcquireScanLock takes the same advisory lock in shared mode, blocking while
// a full import holds it exclusively. Incremental and scoped scans hold it so
// they never interleave with the destructive full rebuild, while still
// running concurrently with each other.
func (s *PostgresStore) AcquireScanLock(ctx context.Context) (release func(), err error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: AcquireScanLock failed to get connection: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock_shared($1);`, maintenanceLockKey); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: AcquireScanLock failed to lock: %w", err)
	}

	release = func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock_shared($1);`, maintenanceLockKey)
		conn.Close()
	}
	return release, nil
}

// ClearTagData wipes every tag-collection table, the per-country statistics
// and the loaded-tag registrations ahead of a full rebuild. Clearing
// loaded_tag keeps the registry from advertising tags over empty tables while
// the rebuild runs or after it fails.
func (s *PostgresStore) ClearTagData(ctx context.Context) error {
	for _, d := range s.schema.TagTables() {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s;`, d.Table)); err != nil {
			return fmt.Errorf("store: ClearTagData failed on %s: %w", d.Table, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM product_country;`); err != nil {
		return fmt.Errorf("store: ClearTagData failed on product_country: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM loaded_tag;`); err != nil {
		return fmt.Errorf("store: ClearTagData failed on loaded_tag: %w", err)
	}
	return nil
}

// LatestProductUpdatedAt returns the incremental-import watermark, or nil for
// an empty mirror.
func (s *PostgresStore) LatestProductUpdatedAt(ctx context.Context) (*time.Time, error) {
	var latest sql.NullTime
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(last_updated) FROM product;`).Scan(&latest); err != nil {
		return nil, fmt.Errorf("store: LatestProductUpdatedAt failed to scan: %w", err)
	}
	if !latest.Valid {
		return nil, nil
	}
	return &latest.Time, nil
}

// UpsertMirroredProduct writes the scalar fields mirrored from one document,
// last write wins, and returns the product's surrogate id.
func (s *PostgresStore) UpsertMirroredProduct(ctx context.Context, p *domain.Product) (int64, error) {
	query := `
		INSERT INTO product (code, revision, creator, owners_tags, obsolete, product_type, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (code) DO UPDATE
		SET revision = GREATEST(product.revision, EXCLUDED.revision),
			creator = EXCLUDED.creator,
			owners_tags = EXCLUDED.owners_tags,
			obsolete = EXCLUDED.obsolete,
			product_type = EXCLUDED.product_type,
			last_updated = EXCLUDED.last_updated
		RETURNING id;
	`
	var id int64
	err := s.db.QueryRowContext(ctx, query,
		p.Code, p.Revision, p.Creator, p.OwnersTags, p.Obsolete, p.ProductType, p.LastUpdated,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: UpsertMirroredProduct failed to scan row: %w", err)
	}
	return id, nil
}

// ReplaceProductTags rewrites one product's rows in one tag table,
// delete-then-insert, atomically.
func (s *PostgresStore) ReplaceProductTags(ctx context.Context, productID int64, table string, values []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: ReplaceProductTags failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE product_id = $1;`, table), productID); err != nil {
		return fmt.Errorf("store: ReplaceProductTags failed to delete from %s: %w", table, err)
	}

	// Documents occasionally repeat a value; the table is unique on
	// (product_id, value), so collapse repeats before inserting.
	deduped := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		deduped = append(deduped, v)
	}

	if len(deduped) > 0 {
		placeholders := make([]string, len(deduped))
		args := make([]interface{}, 0, len(deduped)+1)
		args = append(args, productID)
		for i, v := range deduped {
			placeholders[i] = fmt.Sprintf("($1, $%d)", i+2)
			args = append(args, v)
		}
		insert := fmt.Sprintf(`INSERT INTO %s (product_id, value) VALUES %s;`, table, strings.Join(placeholders, ", "))
		if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
			return fmt.Errorf("store: ReplaceProductTags failed to insert into %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: ReplaceProductTags failed to commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrCreateCountry(ctx context.Context, tag string) (int64, error) {
	insert := `
		INSERT INTO country (tag)
		VALUES ($1)
		ON CONFLICT (tag) DO NOTHING
		RETURNING id;
	`
	var id int64
	err := s.db.QueryRowContext(ctx, insert, tag).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: GetOrCreateCountry failed to insert: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT id FROM country WHERE tag = $1;`, tag).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: GetOrCreateCountry failed to select: %w", err)
	}
	return id, nil
}

// ReplaceProductCountries rewrites one product's per-country statistics,
// delete-then-insert, atomically.
func (s *PostgresStore) ReplaceProductCountries(ctx context.Context, productID int64, entries []domain.ProductCountry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: ReplaceProductCountries failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM product_country WHERE product_id = $1;`, productID); err != nil {
		return fmt.Errorf("store: ReplaceProductCountries failed to delete: %w", err)
	}

	insert := `
		INSERT INTO product_country (product_id, country_id, obsolete, recent_scans, total_scans, popularity_key)
		VALUES ($1, $2, $3, $4, $5, $6);
	`
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, insert,
			productID, e.CountryID, e.Obsolete, e.RecentScans, e.TotalScans, e.PopularityKey,
		); err != nil {
			return fmt.Errorf("store: ReplaceProductCountries failed to insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: ReplaceProductCountries failed to commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertLoadedTag(ctx context.Context, tag string, loadedAt time.Time) error {
	query := `
		INSERT INTO loaded_tag (tag, loaded_at)
		VALUES ($1, $2)
		ON CONFLICT (tag) DO UPDATE SET loaded_at = EXCLUDED.loaded_at;
	`
	if _, err := s.db.ExecContext(ctx, query, tag, loadedAt); err != nil {
		return fmt.Errorf("store: UpsertLoadedTag failed to upsert %q: %w", tag, err)
	}
	return nil
}

// ListLoadedTags implements tags.LoadedTagLister.
func (s *PostgresStore) ListLoadedTags(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM loaded_tag ORDER BY tag;`)
	if err != nil {
		return nil, fmt.Errorf("store: ListLoadedTags failed to query: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: ListLoadedTags failed to scan row: %w", err)
		}
		names = append(names, name)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("store: ListLoadedTags iteration error: %w", err)
	}
	return names, nil
}

// --- ReportStorer Implementation ---

func (s *PostgresStore) UpdatesByOwner(ctx context.Context, owner string) ([]domain.OwnerUpdateCount, error) {
	query := `
		SELECT owner_tag, update_type, update_count, product_count
		FROM product_updates_by_owner
		WHERE owner_tag = $1
		ORDER BY update_type;
	`
	rows, err := s.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("store: UpdatesByOwner failed to query: %w", err)
	}
	defer rows.Close()

	var counts []domain.OwnerUpdateCount
	for rows.Next() {
		var c domain.OwnerUpdateCount
		if err := rows.Scan(&c.OwnerTag, &c.UpdateType, &c.UpdateCount, &c.ProductCount); err != nil {
			return nil, fmt.Errorf("store: UpdatesByOwner failed to scan row: %w", err)
		}
		counts = append(counts, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("store: UpdatesByOwner iteration error: %w", err)
	}
	return counts, nil
}

// --- helpers ---

func (s *PostgresStore) scanProduct(row *sql.Row) (*domain.Product, error) {
	var p domain.Product
	var creator, ownersTags, productType sql.NullString
	var lastUpdated sql.NullTime
	err := row.Scan(&p.ID, &p.Code, &p.Revision, &creator, &ownersTags, &p.Obsolete, &productType, &lastUpdated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return nil, fmt.Errorf("store: product scan failed (%s): %w", pqErr.Code, err)
		}
		return nil, fmt.Errorf("store: product scan failed: %w", err)
	}
	if creator.Valid {
		p.Creator = &creator.String
	}
	if ownersTags.Valid {
		p.OwnersTags = &ownersTags.String
	}
	if productType.Valid {
		p.ProductType = &productType.String
	}
	if lastUpdated.Valid {
		p.LastUpdated = &lastUpdated.Time
	}
	return &p, nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
