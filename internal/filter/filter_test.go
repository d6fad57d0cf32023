package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyFirstMatchWins(t *testing.T) {
	f, errs := New([]Spec{
		{Pattern: ".*foo.*", Substitute: "bar"},
		{Pattern: ".*", Substitute: "baz"},
	})
	require.Empty(t, errs)

	assert.Equal(t, "bar", f.Apply("xfoox"))
	assert.Equal(t, "baz", f.Apply("other"))
}

func TestApplyNoMatchReturnsInput(t *testing.T) {
	f, errs := New([]Spec{{Pattern: `^mbsync (\S+)$`, Substitute: "mbsync -a"}})
	require.Empty(t, errs)

	assert.Equal(t, "mbsync -a", f.Apply("mbsync work"))
	assert.Equal(t, "rsync a b", f.Apply("rsync a b"))
}

func TestApplyExpandsGroups(t *testing.T) {
	f, _ := New([]Spec{{Pattern: `^git -C (\S+) fetch.*$`, Substitute: "git -C $1 fetch --all"}})
	assert.Equal(t, "git -C /repo fetch --all", f.Apply("git -C /repo fetch origin main"))
}

func TestApplyDeterministic(t *testing.T) {
	f, _ := New([]Spec{{Pattern: "a+", Substitute: "A"}})
	for range 10 {
		assert.Equal(t, "xAyA", f.Apply("xaaya"))
	}
}

func TestNewSkipsInvalidSpecs(t *testing.T) {
	f, errs := New([]Spec{
		{Pattern: "", Substitute: "x"},
		{Pattern: "(unclosed", Substitute: "x"},
		{Pattern: "ok", Substitute: "fine"},
	})
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], ErrMissingPattern)
	assert.Equal(t, 1, f.Len())
	assert.Equal(t, "fine", f.Apply("ok"))
}

func TestNilFilterPassesThrough(t *testing.T) {
	var f *Filter
	assert.Equal(t, "job", f.Apply("job"))
	assert.Equal(t, 0, f.Len())
}
