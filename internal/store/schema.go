package store

import (
	"context"
	"database/sql"
	"fmt"

	"product-query-service/internal/tags"
)

// The mirror is rebuildable from the document store plus the event log, so
// idempotent DDL at startup is enough; there is no migration history to keep.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS product (
		id BIGSERIAL PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		revision INTEGER NOT NULL DEFAULT 0,
		creator TEXT,
		owners_tags TEXT,
		obsolete BOOLEAN NOT NULL DEFAULT FALSE,
		product_type TEXT,
		last_updated TIMESTAMPTZ
	);`,
	`CREATE TABLE IF NOT EXISTS contributor (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE
	);`,
	`CREATE TABLE IF NOT EXISTS product_update_event (
		id BIGSERIAL PRIMARY KEY,
		event_id TEXT NOT NULL,
		payload JSONB NOT NULL,
		received_at TIMESTAMPTZ NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS product_update (
		product_id BIGINT NOT NULL REFERENCES product(id),
		revision INTEGER NOT NULL,
		update_type TEXT NOT NULL,
		contributor_id BIGINT REFERENCES contributor(id),
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (product_id, revision)
	);`,
	`CREATE TABLE IF NOT EXISTS loaded_tag (
		tag TEXT PRIMARY KEY,
		loaded_at TIMESTAMPTZ NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS country (
		id BIGSERIAL PRIMARY KEY,
		tag TEXT NOT NULL UNIQUE
	);`,
	`CREATE TABLE IF NOT EXISTS product_country (
		product_id BIGINT NOT NULL REFERENCES product(id),
		country_id BIGINT NOT NULL REFERENCES country(id),
		obsolete BOOLEAN NOT NULL DEFAULT FALSE,
		recent_scans INTEGER NOT NULL DEFAULT 0,
		total_scans INTEGER NOT NULL DEFAULT 0,
		popularity_key BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (product_id, country_id)
	);`,
	`CREATE OR REPLACE VIEW product_updates_by_owner AS
		SELECT p.owners_tags AS owner_tag,
			pu.update_type,
			COUNT(*) AS update_count,
			COUNT(DISTINCT pu.product_id) AS product_count
		FROM product_update pu
		JOIN product p ON p.id = pu.product_id
		GROUP BY p.owners_tags, pu.update_type;`,
}

// EnsureSchema creates the mirror tables, the per-tag child tables from the
// static tag schema, and the owner aggregation view.
func EnsureSchema(ctx context.Context, db *sql.DB, schema *tags.Schema) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: EnsureSchema failed: %w", err)
		}
	}

	for _, d := range schema.TagTables() {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			product_id BIGINT NOT NULL REFERENCES product(id),
			value TEXT NOT NULL
		);`, d.Table)
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("store: EnsureSchema failed creating %s: %w", d.Table, err)
		}
		// Unique on (product_id, value): a product carries each tag value at
		// most once, and facet counts depend on that.
		for _, idx := range []string{
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_product_id_value_idx ON %s (product_id, value);`, d.Table, d.Table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_value_idx ON %s (value);`, d.Table, d.Table),
		} {
			if _, err := db.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("store: EnsureSchema failed indexing %s: %w", d.Table, err)
			}
		}
	}

	return nil
}
