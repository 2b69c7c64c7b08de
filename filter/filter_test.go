package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dynsvc/props"
)

func mustParse(t *testing.T, s string) *Expr {
	t.Helper()
	e, err := Parse(s)
	require.NoError(t, err, "filter %q", s)
	return e
}

func TestMatches_SimpleEquality(t *testing.T) {
	e := mustParse(t, "(name=foo)")
	assert.True(t, e.Matches(props.New().With("name", "foo")))
	assert.False(t, e.Matches(props.New().With("name", "bar")))
}

func TestMatches_Present(t *testing.T) {
	e := mustParse(t, "(name=*)")
	assert.True(t, e.Matches(props.New().With("name", "anything")))
	assert.False(t, e.Matches(props.New()))
}

func TestMatches_And(t *testing.T) {
	e := mustParse(t, "(&(name=foo)(service.ranking>=5))")
	assert.True(t, e.Matches(props.New().With("name", "foo").With(props.ServiceRanking, int64(10))))
	assert.False(t, e.Matches(props.New().With("name", "foo").With(props.ServiceRanking, int64(1))))
}

func TestMatches_Or(t *testing.T) {
	e := mustParse(t, "(|(name=foo)(name=bar))")
	assert.True(t, e.Matches(props.New().With("name", "bar")))
	assert.False(t, e.Matches(props.New().With("name", "baz")))
}

func TestMatches_Not(t *testing.T) {
	e := mustParse(t, "(!(name=foo))")
	assert.True(t, e.Matches(props.New().With("name", "bar")))
	assert.False(t, e.Matches(props.New().With("name", "foo")))
}

func TestMatches_NestedCompound(t *testing.T) {
	e := mustParse(t, "(&(objectClass=com.example.Foo)(|(tier=gold)(tier=platinum)))")
	assert.True(t, e.Matches(props.New().
		With(props.ObjectClass, []any{"com.example.Foo"}).
		With("tier", "gold")))
	assert.False(t, e.Matches(props.New().
		With(props.ObjectClass, []any{"com.example.Foo"}).
		With("tier", "silver")))
}

func TestMatches_NumericComparison(t *testing.T) {
	e := mustParse(t, "(count<=10)")
	assert.True(t, e.Matches(props.New().With("count", int64(5))))
	assert.False(t, e.Matches(props.New().With("count", int64(20))))
}

func TestMatches_Substring(t *testing.T) {
	tests := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"(name=foo*)", "foobar", true},
		{"(name=foo*)", "barfoo", false},
		{"(name=*bar)", "foobar", true},
		{"(name=*oob*)", "foobar", true},
		{"(name=foo*bar)", "fooXXXbar", true},
		{"(name=foo*bar)", "foobarX", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.value, func(t *testing.T) {
			e := mustParse(t, tt.pattern)
			assert.Equal(t, tt.want, e.Matches(props.New().With("name", tt.value)))
		})
	}
}

func TestMatches_MultiValuedObjectClass(t *testing.T) {
	e := mustParse(t, "(objectClass=com.example.Bar)")
	p := props.New().With(props.ObjectClass, []any{"com.example.Foo", "com.example.Bar"})
	assert.True(t, e.Matches(p))
}

func TestParse_RejectsMalformed(t *testing.T) {
	_, err := Parse("(name=foo")
	assert.Error(t, err)

	_, err = Parse("name=foo)")
	assert.Error(t, err)

	_, err = Parse("(&)")
	assert.Error(t, err)
}

func TestMatchAll(t *testing.T) {
	e := MatchAll()
	assert.True(t, e.Matches(props.New()))
	assert.True(t, e.Matches(props.New().With("x", int64(1))))
}

func TestString_ReturnsOriginalText(t *testing.T) {
	e := mustParse(t, "(name=foo)")
	assert.Equal(t, "(name=foo)", e.String())
}
