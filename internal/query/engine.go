package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"product-query-service/internal/docstore"
	"product-query-service/internal/domain"
	"product-query-service/internal/tags"
)

// groupUserPseudoTag is the aggregate grouping key clients use for "the
// submitting user"; it is rebound to the creator tag of the mirror.
const groupUserPseudoTag = "users_tags"

// DocumentFinder is the slice of the document store the popularity lookup
// needs: point lookup by code set with field projection.
type DocumentFinder interface {
	FindByCodes(ctx context.Context, codes []string, fields []string) ([]docstore.Document, error)
}

// Engine compiles document-style filter and aggregate-pipeline requests into
// relational queries against the mirror. Read-only.
type Engine struct {
	db       *sql.DB
	schema   *tags.Schema
	registry *tags.Registry
	docs     DocumentFinder
	log      *zap.Logger
}

func NewEngine(db *sql.DB, schema *tags.Schema, registry *tags.Registry, docs DocumentFinder, log *zap.Logger) *Engine {
	return &Engine{db: db, schema: schema, registry: registry, docs: docs, log: log}
}

// AggregateRow is one non-count aggregation bucket.
type AggregateRow struct {
	ID    string `json:"_id"`
	Count int    `json:"count"`
}

// Count compiles the filter with product as the outer entity and returns the
// number of matching products. Product must be the base entity so negated
// clauses attach to the right rows.
func (e *Engine) Count(ctx context.Context, filter map[string]interface{}, includeObsolete bool) (int, error) {
	c, conds, err := e.compileProductFilter(ctx, filter, includeObsolete)
	if err != nil {
		return 0, err
	}

	querySQL := `SELECT COUNT(*) FROM product p` + whereSQL(conds)
	e.log.Debug("compiled count query", zap.String("sql", querySQL))
	var count int
	if err := e.db.QueryRowContext(ctx, querySQL, c.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("query: Count failed to scan: %w", err)
	}
	return count, nil
}

// Select returns the full matched product rows. Diagnostics path; the primary
// client only counts and aggregates.
func (e *Engine) Select(ctx context.Context, filter map[string]interface{}, includeObsolete bool) ([]domain.Product, error) {
	c, conds, err := e.compileProductFilter(ctx, filter, includeObsolete)
	if err != nil {
		return nil, err
	}

	querySQL := `SELECT p.id, p.code, p.revision, p.creator, p.owners_tags, p.obsolete, p.product_type, p.last_updated FROM product p` +
		whereSQL(conds) + ` ORDER BY p.id`
	rows, err := e.db.QueryContext(ctx, querySQL, c.args...)
	if err != nil {
		return nil, fmt.Errorf("query: Select failed to query: %w", err)
	}
	defer rows.Close()

	products := []domain.Product{}
	for rows.Next() {
		var p domain.Product
		var creator, ownersTags, productType sql.NullString
		var lastUpdated sql.NullTime
		if err := rows.Scan(&p.ID, &p.Code, &p.Revision, &creator, &ownersTags, &p.Obsolete, &productType, &lastUpdated); err != nil {
			return nil, fmt.Errorf("query: Select failed to scan row: %w", err)
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
		products = append(products, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("query: Select iteration error: %w", err)
	}
	return products, nil
}

// Aggregate executes an ordered aggregate pipeline. Recognized stages:
// $match, $group, $count, $limit, $skip; unrecognized stages are ignored.
// Non-count mode returns []AggregateRow ordered by descending count; $count
// mode returns one row with the number of distinct group keys.
func (e *Engine) Aggregate(ctx context.Context, pipeline []map[string]interface{}, includeObsolete bool) (interface{}, error) {
	matchFilter := map[string]interface{}{}
	groupTag := ""
	countLabel := ""
	counting := false
	limit, skip := -1, -1

	for _, stage := range pipeline {
		if raw, ok := stage["$match"]; ok {
			filter, ok := raw.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%w: $match expects a filter object", ErrUnsupportedFilter)
			}
			matchFilter = filter
		}
		if raw, ok := stage["$group"]; ok {
			tag, err := groupKeyTag(raw)
			if err != nil {
				return nil, err
			}
			groupTag = tag
		}
		if raw, ok := stage["$count"]; ok {
			counting = true
			if label, ok := raw.(string); ok && label != "" {
				countLabel = label
			} else {
				countLabel = "count"
			}
		}
		if raw, ok := stage["$limit"]; ok {
			if n, ok := intStage(raw); ok {
				limit = n
			}
		}
		if raw, ok := stage["$skip"]; ok {
			if n, ok := intStage(raw); ok {
				skip = n
			}
		}
	}

	if groupTag == "" {
		return nil, fmt.Errorf("%w: aggregate pipeline requires a $group stage", ErrUnsupportedFilter)
	}
	if groupTag == groupUserPseudoTag {
		groupTag = "creator"
	}

	snap, err := e.registry.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	c := newCompiler(e.schema, snap)

	groupDesc, err := c.resolve(groupTag)
	if err != nil {
		return nil, err
	}

	clauses, err := NormalizeFilter(matchFilter)
	if err != nil {
		return nil, err
	}

	var groupedSQL, groupCol string
	var conds []string
	if groupDesc.Kind == tags.KindTagTable {
		groupCol = "t." + groupDesc.Column
		if !includeObsolete {
			conds = append(conds, c.notObsolete("t.product_id"))
		}
		for _, cl := range clauses {
			cond, err := c.compileClause(cl, "t.product_id")
			if err != nil {
				return nil, err
			}
			conds = append(conds, cond)
		}
		groupedSQL = fmt.Sprintf(`SELECT %s AS _id, COUNT(*) AS count FROM %s t%s GROUP BY %s`,
			groupCol, groupDesc.Table, whereSQL(conds), groupCol)
	} else {
		groupCol = "p." + groupDesc.Column
		if !includeObsolete {
			conds = append(conds, c.notObsolete("p.id"))
		}
		for _, cl := range clauses {
			cond, err := c.compileClause(cl, "p.id")
			if err != nil {
				return nil, err
			}
			conds = append(conds, cond)
		}
		groupedSQL = fmt.Sprintf(`SELECT %s AS _id, COUNT(*) AS count FROM product p%s GROUP BY %s`,
			groupCol, whereSQL(conds), groupCol)
	}

	if counting {
		countSQL := fmt.Sprintf(`SELECT COUNT(*) FROM (%s) AS grouped`, groupedSQL)
		var total int
		if err := e.db.QueryRowContext(ctx, countSQL, c.args...).Scan(&total); err != nil {
			return nil, fmt.Errorf("query: Aggregate failed to scan count: %w", err)
		}
		return []map[string]int{{countLabel: total}}, nil
	}

	querySQL := groupedSQL + ` ORDER BY COUNT(*) DESC`
	e.log.Debug("compiled aggregate query", zap.String("sql", querySQL))
	if limit >= 0 {
		querySQL += ` LIMIT ` + c.bind(limit)
	}
	if skip > 0 {
		querySQL += ` OFFSET ` + c.bind(skip)
	}

	rows, err := e.db.QueryContext(ctx, querySQL, c.args...)
	if err != nil {
		return nil, fmt.Errorf("query: Aggregate failed to query: %w", err)
	}
	defer rows.Close()

	results := []AggregateRow{}
	for rows.Next() {
		var row AggregateRow
		var id sql.NullString
		if err := rows.Scan(&id, &row.Count); err != nil {
			return nil, fmt.Errorf("query: Aggregate failed to scan row: %w", err)
		}
		row.ID = id.String
		results = append(results, row)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("query: Aggregate iteration error: %w", err)
	}
	return results, nil
}

func (e *Engine) compileProductFilter(ctx context.Context, filter map[string]interface{}, includeObsolete bool) (*compiler, []string, error) {
	snap, err := e.registry.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}

	clauses, err := NormalizeFilter(filter)
	if err != nil {
		return nil, nil, err
	}

	c := newCompiler(e.schema, snap)
	var conds []string
	if !includeObsolete {
		conds = append(conds, c.notObsolete("p.id"))
	}
	for _, cl := range clauses {
		cond, err := c.compileClause(cl, "p.id")
		if err != nil {
			return nil, nil, err
		}
		conds = append(conds, cond)
	}
	return c, conds, nil
}

func whereSQL(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return ` WHERE ` + strings.Join(conds, ` AND `)
}

// groupKeyTag decodes a $group stage's _id field reference ("$tag") into the
// tag name.
func groupKeyTag(raw interface{}) (string, error) {
	stage, ok := raw.(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("%w: $group expects an object", ErrUnsupportedFilter)
	}
	ref, ok := stage["_id"].(string)
	if !ok || !strings.HasPrefix(ref, "$") || len(ref) < 2 {
		return "", fmt.Errorf("%w: $group _id must be a field reference", ErrUnsupportedFilter)
	}
	return strings.TrimPrefix(ref, "$"), nil
}

func intStage(raw interface{}) (int, bool) {
	switch v := raw.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}
