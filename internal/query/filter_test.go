package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFilter_Scalar(t *testing.T) {
	clauses, err := NormalizeFilter(map[string]interface{}{
		"categories_tags": "en:beers",
	})
	require.NoError(t, err)
	require.Len(t, clauses, 1)
	assert.Equal(t, Clause{Tag: "categories_tags", Op: OpEquals, Value: "en:beers"}, clauses[0])
}

func TestNormalizeFilter_NumericAndBoolScalars(t *testing.T) {
	// JSON numbers arrive as float64 and are stringified without a
	// trailing fraction.
	clauses, err := NormalizeFilter(map[string]interface{}{
		"code": float64(3017620422003),
	})
	require.NoError(t, err)
	require.Len(t, clauses, 1)
	assert.Equal(t, "3017620422003", clauses[0].Value)

	clauses, err = NormalizeFilter(map[string]interface{}{
		"owners_tags": true,
	})
	require.NoError(t, err)
	assert.Equal(t, "true", clauses[0].Value)
}

func TestNormalizeFilter_Ne(t *testing.T) {
	clauses, err := NormalizeFilter(map[string]interface{}{
		"labels_tags": map[string]interface{}{"$ne": "en:organic"},
	})
	require.NoError(t, err)
	require.Len(t, clauses, 1)
	assert.Equal(t, Clause{Tag: "labels_tags", Op: OpEquals, Value: "en:organic", Negate: true}, clauses[0])
}

func TestNormalizeFilter_InAndNin(t *testing.T) {
	clauses, err := NormalizeFilter(map[string]interface{}{
		"brands_tags": map[string]interface{}{"$in": []interface{}{"a", "b"}},
	})
	require.NoError(t, err)
	require.Len(t, clauses, 1)
	assert.Equal(t, Clause{Tag: "brands_tags", Op: OpIn, Values: []string{"a", "b"}}, clauses[0])

	clauses, err = NormalizeFilter(map[string]interface{}{
		"brands_tags": map[string]interface{}{"$nin": []interface{}{"a"}},
	})
	require.NoError(t, err)
	assert.Equal(t, Clause{Tag: "brands_tags", Op: OpIn, Values: []string{"a"}, Negate: true}, clauses[0])
}

func TestNormalizeFilter_NullSentinelMeansAbsence(t *testing.T) {
	// A null in the match list means "field absent", and it wins over any
	// scalar values listed alongside it.
	clauses, err := NormalizeFilter(map[string]interface{}{
		"stores_tags": map[string]interface{}{"$in": []interface{}{nil, "carrefour"}},
	})
	require.NoError(t, err)
	require.Len(t, clauses, 1)
	assert.Equal(t, Clause{Tag: "stores_tags", Op: OpAbsent}, clauses[0])

	clauses, err = NormalizeFilter(map[string]interface{}{
		"stores_tags": map[string]interface{}{"$nin": []interface{}{nil}},
	})
	require.NoError(t, err)
	assert.Equal(t, Clause{Tag: "stores_tags", Op: OpAbsent, Negate: true}, clauses[0])
}

func TestNormalizeFilter_AllExpandsToConjunction(t *testing.T) {
	clauses, err := NormalizeFilter(map[string]interface{}{
		"categories_tags": map[string]interface{}{"$all": []interface{}{"en:beverages", "en:beers"}},
	})
	require.NoError(t, err)
	require.Len(t, clauses, 2)
	assert.Equal(t, Clause{Tag: "categories_tags", Op: OpEquals, Value: "en:beverages"}, clauses[0])
	assert.Equal(t, Clause{Tag: "categories_tags", Op: OpEquals, Value: "en:beers"}, clauses[1])
}

func TestNormalizeFilter_AndFlattens(t *testing.T) {
	clauses, err := NormalizeFilter(map[string]interface{}{
		"$and": []interface{}{
			map[string]interface{}{"categories_tags": "en:beers"},
			map[string]interface{}{"labels_tags": map[string]interface{}{"$ne": "en:organic"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, clauses, 2)
	assert.Equal(t, "categories_tags", clauses[0].Tag)
	assert.Equal(t, "labels_tags", clauses[1].Tag)
	assert.True(t, clauses[1].Negate)
}

func TestNormalizeFilter_DeterministicKeyOrder(t *testing.T) {
	filter := map[string]interface{}{
		"labels_tags":     "en:organic",
		"brands_tags":     "brand",
		"categories_tags": "en:beers",
	}
	for i := 0; i < 10; i++ {
		clauses, err := NormalizeFilter(filter)
		require.NoError(t, err)
		require.Len(t, clauses, 3)
		assert.Equal(t, "brands_tags", clauses[0].Tag)
		assert.Equal(t, "categories_tags", clauses[1].Tag)
		assert.Equal(t, "labels_tags", clauses[2].Tag)
	}
}

func TestNormalizeFilter_RejectsDisjunction(t *testing.T) {
	_, err := NormalizeFilter(map[string]interface{}{
		"$or": []interface{}{
			map[string]interface{}{"categories_tags": "en:beers"},
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedFilter))
	assert.True(t, IsCompileError(err))
}

func TestNormalizeFilter_RejectsUnknownOperator(t *testing.T) {
	_, err := NormalizeFilter(map[string]interface{}{
		"categories_tags": map[string]interface{}{"$regex": "^en:"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedFilter))
}

func TestNormalizeFilter_RejectsEmptyInList(t *testing.T) {
	_, err := NormalizeFilter(map[string]interface{}{
		"categories_tags": map[string]interface{}{"$in": []interface{}{}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedFilter))
}

func TestNormalizeFilter_RejectsMultiOperatorExpression(t *testing.T) {
	_, err := NormalizeFilter(map[string]interface{}{
		"categories_tags": map[string]interface{}{
			"$in":  []interface{}{"a"},
			"$nin": []interface{}{"b"},
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedFilter))
}

func TestNormalizeFilter_Empty(t *testing.T) {
	clauses, err := NormalizeFilter(map[string]interface{}{})
	require.NoError(t, err)
	assert.Empty(t, clauses)

	clauses, err = NormalizeFilter(nil)
	require.NoError(t, err)
	assert.Empty(t, clauses)
}
