package query

import (
	"fmt"
	"strings"

	"product-query-service/internal/tags"
)

// compiler turns normalized clauses into correlated EXISTS/NOT EXISTS
// subqueries. Every clause, whatever the outer entity, correlates on the
// outer alias's product id, so any number of tag predicates combine as pure
// AND without per-tag joins.
type compiler struct {
	schema  *tags.Schema
	loaded  tags.Snapshot
	args    []interface{}
	aliasID int
}

func newCompiler(schema *tags.Schema, loaded tags.Snapshot) *compiler {
	return &compiler{schema: schema, loaded: loaded}
}

func (c *compiler) bind(v interface{}) string {
	c.args = append(c.args, v)
	return fmt.Sprintf("$%d", len(c.args))
}

func (c *compiler) nextAlias(prefix string) string {
	c.aliasID++
	return fmt.Sprintf("%s%d", prefix, c.aliasID)
}

// resolve maps a tag name to its descriptor, gating collection-valued tags on
// the loaded-tag snapshot.
func (c *compiler) resolve(tag string) (tags.Descriptor, error) {
	d, ok := c.schema.Lookup(tag)
	if !ok {
		return tags.Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	if d.Kind == tags.KindTagTable && !c.loaded.Contains(d.Name) {
		return tags.Descriptor{}, fmt.Errorf("%w: %q", ErrTagNotLoaded, tag)
	}
	return d, nil
}

// compileClause emits one [NOT] EXISTS predicate correlated on outerID
// (e.g. "p.id" when the outer entity is product, "t.product_id" otherwise).
func (c *compiler) compileClause(cl Clause, outerID string) (string, error) {
	d, err := c.resolve(cl.Tag)
	if err != nil {
		return "", err
	}

	if d.Kind == tags.KindTagTable {
		return c.compileTagTableClause(cl, d, outerID), nil
	}
	return c.compileProductClause(cl, d, outerID), nil
}

func (c *compiler) compileTagTableClause(cl Clause, d tags.Descriptor, outerID string) string {
	alias := c.nextAlias("t")
	negate := cl.Negate

	var cond string
	switch cl.Op {
	case OpAbsent:
		// "Has no such tag at all" is a bare NOT EXISTS; the clause's own
		// negation flips it back.
		negate = !negate
	case OpEquals:
		cond = fmt.Sprintf(" AND %s.%s = %s", alias, d.Column, c.bind(cl.Value))
	case OpIn:
		cond = fmt.Sprintf(" AND %s.%s IN (%s)", alias, d.Column, c.bindAll(cl.Values))
	}

	expr := fmt.Sprintf("EXISTS (SELECT 1 FROM %s %s WHERE %s.product_id = %s%s)",
		d.Table, alias, alias, outerID, cond)
	if negate {
		return "NOT " + expr
	}
	return expr
}

func (c *compiler) compileProductClause(cl Clause, d tags.Descriptor, outerID string) string {
	alias := c.nextAlias("pf")

	var cond string
	switch cl.Op {
	case OpAbsent:
		cond = fmt.Sprintf("%s.%s IS NULL", alias, d.Column)
	case OpEquals:
		cond = fmt.Sprintf("%s.%s = %s", alias, d.Column, c.bind(cl.Value))
	case OpIn:
		cond = fmt.Sprintf("%s.%s IN (%s)", alias, d.Column, c.bindAll(cl.Values))
	}

	expr := fmt.Sprintf("EXISTS (SELECT 1 FROM product %s WHERE %s.id = %s AND %s)",
		alias, alias, outerID, cond)
	if cl.Negate {
		return "NOT " + expr
	}
	return expr
}

// notObsolete emits the implicit liveness predicate for the outer entity.
func (c *compiler) notObsolete(outerID string) string {
	if outerID == "p.id" {
		return "p.obsolete = FALSE"
	}
	alias := c.nextAlias("pf")
	return fmt.Sprintf("EXISTS (SELECT 1 FROM product %s WHERE %s.id = %s AND %s.obsolete = FALSE)",
		alias, alias, outerID, alias)
}

func (c *compiler) bindAll(values []string) string {
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = c.bind(v)
	}
	return strings.Join(placeholders, ", ")
}
