package query

import (
	"context"
	"fmt"

	"product-query-service/internal/docstore"
	"product-query-service/internal/tags"
)

const defaultFindLimit = 50

// FindRequest is a paginated popularity lookup, scoped to a single country.
type FindRequest struct {
	Filter map[string]interface{} `json:"filter"`
	Sort   map[string]interface{} `json:"sort"`
	Limit  int                    `json:"limit" validate:"gte=0,lte=1000"`
	Skip   int                    `json:"skip" validate:"gte=0"`
	Fields []string               `json:"fields"`
}

// Find resolves codes from the mirror in descending popularity order for one
// country, fetches the full records from the document store, and returns them
// in mirror rank order. Codes missing from the document-store response are
// skipped, not errors.
func (e *Engine) Find(ctx context.Context, req FindRequest) ([]docstore.Document, error) {
	if err := validateFindSort(req.Sort); err != nil {
		return nil, err
	}
	country, err := findCountry(req.Filter)
	if err != nil {
		return nil, err
	}

	snap, err := e.registry.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if !snap.Contains(tags.CountryTag) {
		return nil, fmt.Errorf("%w: %q", ErrTagNotLoaded, tags.CountryTag)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultFindLimit
	}

	codes, err := e.rankedCodes(ctx, country, limit, req.Skip)
	if err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		return []docstore.Document{}, nil
	}

	fields := req.Fields
	if len(fields) > 0 && !containsString(fields, "code") {
		fields = append(append([]string{}, fields...), "code")
	}

	docs, err := e.docs.FindByCodes(ctx, codes, fields)
	if err != nil {
		return nil, fmt.Errorf("query: Find failed to fetch documents: %w", err)
	}

	byCode := make(map[string]docstore.Document, len(docs))
	for _, doc := range docs {
		if code := doc.Code(); code != "" {
			byCode[code] = doc
		}
	}

	ordered := make([]docstore.Document, 0, len(codes))
	for _, code := range codes {
		if doc, ok := byCode[code]; ok {
			ordered = append(ordered, doc)
		}
	}
	return ordered, nil
}

func (e *Engine) rankedCodes(ctx context.Context, country string, limit, skip int) ([]string, error) {
	querySQL := `
		SELECT p.code
		FROM product_country pc
		JOIN product p ON p.id = pc.product_id
		JOIN country c ON c.id = pc.country_id
		WHERE c.tag = $1 AND pc.obsolete = FALSE
		ORDER BY pc.popularity_key DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := e.db.QueryContext(ctx, querySQL, country, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("query: Find failed to query ranked codes: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("query: Find failed to scan code: %w", err)
		}
		codes = append(codes, code)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("query: Find iteration error: %w", err)
	}
	return codes, nil
}

// validateFindSort accepts only descending popularity; the rank comes from
// the mirror and no other order can be honored.
func validateFindSort(sort map[string]interface{}) error {
	if len(sort) == 0 {
		return nil
	}
	if len(sort) > 1 {
		return fmt.Errorf("%w: only popularity_key descending is supported", ErrUnsupportedSort)
	}
	raw, ok := sort["popularity_key"]
	if !ok {
		return fmt.Errorf("%w: only popularity_key descending is supported", ErrUnsupportedSort)
	}
	if n, ok := intStage(raw); !ok || n != -1 {
		return fmt.Errorf("%w: popularity_key must sort descending", ErrUnsupportedSort)
	}
	return nil
}

// findCountry extracts the single country scope from the filter, defaulting
// to the global catch-all tag.
func findCountry(filter map[string]interface{}) (string, error) {
	country := tags.WorldCountryTag
	for key, raw := range filter {
		if key != tags.CountryTag {
			return "", fmt.Errorf("%w: find filters on %q only", ErrUnsupportedFilter, tags.CountryTag)
		}
		switch v := raw.(type) {
		case string:
			country = v
		case map[string]interface{}:
			list, ok := v["$in"].([]interface{})
			if !ok || len(v) != 1 {
				return "", fmt.Errorf("%w: country value", ErrUnsupportedFilter)
			}
			if len(list) != 1 {
				return "", ErrMultipleCountries
			}
			s, ok := list[0].(string)
			if !ok {
				return "", fmt.Errorf("%w: country value", ErrUnsupportedFilter)
			}
			country = s
		default:
			return "", fmt.Errorf("%w: country value", ErrUnsupportedFilter)
		}
	}
	return country, nil
}

func containsString(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
