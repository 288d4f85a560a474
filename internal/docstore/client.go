package docstore

import (
	"context"
	"fmt"
	"regexp"
	"time"

	surrealdb "github.com/surrealdb/surrealdb.go"
	"go.uber.org/zap"
)

// ScanQuery describes one streamed bulk read. Codes, when set, selects an
// explicit record set and bypasses the watermark; otherwise Since bounds the
// scan by last-modified time, and nil Since means the whole catalog.
type ScanQuery struct {
	Since    *time.Time
	Codes    []string
	PageSize int
}

const defaultPageSize = 100

// fieldNamePattern guards projections: field names are caller-supplied and
// interpolated into the query text.
var fieldNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Client reads product records from the canonical SurrealDB document store.
// The driver's calls are not context-aware; cancellation is honored between
// pages, which bounds how long a cancelled scan keeps running.
type Client struct {
	db    *surrealdb.DB
	table string
	log   *zap.Logger
}

// Connect dials the document store and selects the namespace and database.
func Connect(url, user, password, namespace, database, table string, log *zap.Logger) (*Client, error) {
	db, err := surrealdb.New(url)
	if err != nil {
		return nil, fmt.Errorf("docstore: connect to %s failed: %w", url, err)
	}
	if user != "" {
		if _, err := db.Signin(map[string]interface{}{"user": user, "pass": password}); err != nil {
			db.Close()
			return nil, fmt.Errorf("docstore: signin failed: %w", err)
		}
	}
	if _, err := db.Use(namespace, database); err != nil {
		db.Close()
		return nil, fmt.Errorf("docstore: use %s/%s failed: %w", namespace, database, err)
	}
	return &Client{db: db, table: table, log: log}, nil
}

func (c *Client) Close() {
	c.db.Close()
}

// FindByCodes does a point lookup for an explicit code set with optional
// field projection.
func (c *Client) FindByCodes(ctx context.Context, codes []string, fields []string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query, err := findQuery(c.table, fields)
	if err != nil {
		return nil, err
	}
	docs, err := surrealdb.SmartUnmarshal[[]Document](c.db.Query(query, map[string]interface{}{"codes": codes}))
	if err != nil {
		return nil, fmt.Errorf("docstore: FindByCodes failed: %w", err)
	}
	return docs, nil
}

// Scan streams matching records page by page, invoking fn per page. Pages are
// never accumulated; a failing fn aborts the scan.
func (c *Client) Scan(ctx context.Context, q ScanQuery, fn func(batch []Document) error) error {
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	for start := 0; ; start += pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		query, vars := scanQuery(c.table, q, pageSize, start)
		docs, err := surrealdb.SmartUnmarshal[[]Document](c.db.Query(query, vars))
		if err != nil {
			return fmt.Errorf("docstore: scan page at %d failed: %w", start, err)
		}
		if len(docs) == 0 {
			return nil
		}
		if err := fn(docs); err != nil {
			return err
		}
		c.log.Debug("scan page applied", zap.Int("start", start), zap.Int("size", len(docs)))
		if len(docs) < pageSize {
			return nil
		}
	}
}

func findQuery(table string, fields []string) (string, error) {
	projection := "*"
	if len(fields) > 0 {
		for _, field := range fields {
			if !fieldNamePattern.MatchString(field) {
				return "", fmt.Errorf("docstore: invalid projection field %q", field)
			}
		}
		projection = joinFields(fields)
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE code IN $codes;", projection, table), nil
}

func scanQuery(table string, q ScanQuery, pageSize, start int) (string, map[string]interface{}) {
	vars := map[string]interface{}{
		"limit": pageSize,
		"start": start,
	}

	where := ""
	switch {
	case len(q.Codes) > 0:
		where = " WHERE code IN $codes"
		vars["codes"] = q.Codes
	case q.Since != nil:
		where = " WHERE last_modified_t >= $since"
		vars["since"] = q.Since.Unix()
	}

	query := fmt.Sprintf("SELECT * FROM %s%s ORDER BY code LIMIT $limit START $start;", table, where)
	return query, vars
}

func joinFields(fields []string) string {
	out := fields[0]
	for _, field := range fields[1:] {
		out += ", " + field
	}
	return out
}
