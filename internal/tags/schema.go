package tags

// Kind says where a tag's values live in the relational mirror.
type Kind int

const (
	// KindProductColumn is a tag flattened onto the product row itself.
	KindProductColumn Kind = iota
	// KindTagTable is a collection-valued tag with a dedicated child table
	// holding (product_id, value) rows.
	KindTagTable
)

// Descriptor maps one document tag name to its mirror storage.
type Descriptor struct {
	Name   string
	Kind   Kind
	Table  string // child table, KindTagTable only
	Column string // product column (flattened) or value column (table)
}

// Schema is the static tag registry, resolved once at startup and consulted
// by both the query engine and the sync orchestrator.
type Schema struct {
	byName map[string]Descriptor
	order  []string
}

// CountryTag is the tag scoping the popularity lookup; WorldCountryTag is its
// global catch-all value used when a request names no country.
const (
	CountryTag      = "countries_tags"
	WorldCountryTag = "en:world"
)

// DefaultSchema returns the enumerated tag set of the mirror.
func DefaultSchema() *Schema {
	s := &Schema{byName: map[string]Descriptor{}}

	for _, column := range []string{"code", "creator", "owners_tags", "product_type"} {
		s.add(Descriptor{Name: column, Kind: KindProductColumn, Column: column})
	}

	for _, name := range []string{
		"categories_tags",
		"labels_tags",
		"brands_tags",
		"countries_tags",
		"allergens_tags",
		"traces_tags",
		"additives_tags",
		"origins_tags",
		"states_tags",
		"stores_tags",
		"nutrition_grades_tags",
	} {
		s.add(Descriptor{
			Name:   name,
			Kind:   KindTagTable,
			Table:  "product_" + name,
			Column: "value",
		})
	}

	return s
}

func (s *Schema) add(d Descriptor) {
	s.byName[d.Name] = d
	s.order = append(s.order, d.Name)
}

// Lookup resolves a tag name to its descriptor.
func (s *Schema) Lookup(name string) (Descriptor, bool) {
	d, ok := s.byName[name]
	return d, ok
}

// TagTables returns the collection-valued descriptors in declaration order.
func (s *Schema) TagTables() []Descriptor {
	var out []Descriptor
	for _, name := range s.order {
		if d := s.byName[name]; d.Kind == KindTagTable {
			out = append(out, d)
		}
	}
	return out
}
