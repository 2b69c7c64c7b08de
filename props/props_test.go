package props

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromMap_RejectsUnsupportedType(t *testing.T) {
	_, err := FromMap(map[string]any{"bad": struct{}{}})
	require.Error(t, err)
}

func TestFromMap_NormalizesInt(t *testing.T) {
	m, err := FromMap(map[string]any{"count": 3})
	require.NoError(t, err)
	got, err := m.Int64("count")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)
}

func TestGet_CaseInsensitive(t *testing.T) {
	m := New().With("Service.Ranking", int64(10))
	v, ok := m.Get("service.ranking")
	require.True(t, ok)
	assert.Equal(t, int64(10), v)
}

func TestKeys_PreservesOriginalCase(t *testing.T) {
	m := New().With("Foo.Bar", "x")
	assert.Equal(t, []string{"Foo.Bar"}, m.Keys())
}

func TestWith_DoesNotMutateReceiver(t *testing.T) {
	base := New().With("a", int64(1))
	derived := base.With("a", int64(2))

	got, _ := base.Int64("a")
	assert.Equal(t, int64(1), got)

	got2, _ := derived.Int64("a")
	assert.Equal(t, int64(2), got2)
}

func TestStringOr_DefaultsOnMismatch(t *testing.T) {
	m := New().With("a", int64(1))
	assert.Equal(t, "fallback", m.StringOr("a", "fallback"))
	assert.Equal(t, "fallback", m.StringOr("missing", "fallback"))
}

func TestRanking_DefaultsToZero(t *testing.T) {
	assert.Equal(t, 0, New().Ranking())
	assert.Equal(t, 5, New().With(ServiceRanking, int64(5)).Ranking())
}

func TestObjectClasses(t *testing.T) {
	m := New().With(ObjectClass, []any{"com.example.Foo", "com.example.Bar"})
	assert.Equal(t, []string{"com.example.Foo", "com.example.Bar"}, m.ObjectClasses())
}

func TestEqual_StrictTypedComparison(t *testing.T) {
	a := New().With("x", int64(1))
	b := New().With("x", float64(1))
	assert.False(t, a.Equal(b), "int64(1) and float64(1) must not compare equal")

	c := New().With("x", int64(1))
	assert.True(t, a.Equal(c))
}

func TestEqual_DifferentLength(t *testing.T) {
	a := New().With("x", int64(1))
	b := New().With("x", int64(1)).With("y", int64(2))
	assert.False(t, a.Equal(b))
}

func TestEqual_NestedSlicesAndMaps(t *testing.T) {
	a := New().With("x", []any{int64(1), "two"})
	b := New().With("x", []any{int64(1), "two"})
	assert.True(t, a.Equal(b))

	c := New().With("x", []any{int64(1), "three"})
	assert.False(t, a.Equal(c))
}

func TestToMap_DeepEqualsSource(t *testing.T) {
	src := map[string]any{
		"a": int64(1),
		"b": []any{int64(1), "two"},
		"c": map[string]any{"nested": int64(3)},
	}
	m, err := FromMap(src)
	require.NoError(t, err)

	if diff := cmp.Diff(src, m.ToMap()); diff != "" {
		t.Fatalf("ToMap() mismatch (-want +got):\n%s", diff)
	}
}

func TestClone_Independence(t *testing.T) {
	orig := New().With("a", int64(1))
	clone := orig.Clone()
	clone2 := clone.With("b", int64(2))

	assert.Equal(t, 1, orig.Len())
	assert.Equal(t, 1, clone.Len())
	assert.Equal(t, 2, clone2.Len())
}
