package path_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrizaln/madbfs/internal/path"
)

func TestNewRejectsRelative(t *testing.T) {
	_, err := path.New("relative/path")
	require.ErrorIs(t, err, path.ErrNotAbsolute)
}

func TestNewNormalization(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/", "/"},
		{"//", "/"},
		{"//foo", "/foo"},
		{"/foo/", "/foo"},
		{"/foo//bar", "/foo//bar"}, // internal doubled slash preserved
		{"/a/b/c", "/a/b/c"},
	}
	for _, tc := range cases {
		p, err := path.New(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, p.String(), tc.in)
	}
}

func TestNewRejectsDotDot(t *testing.T) {
	for _, in := range []string{"/..", "/a/../b", "/a/."} {
		_, err := path.New(in)
		require.ErrorIs(t, err, path.ErrInvalidName, in)
	}
}

func TestComponentsExcludeRoot(t *testing.T) {
	p := path.MustNew("/a/b/c")
	assert.Equal(t, []string{"a", "b", "c"}, p.Components())

	root := path.Root()
	assert.Empty(t, root.Components())
}

func TestComponentsSkipDoubledSlash(t *testing.T) {
	p := path.MustNew("/foo//bar")
	assert.Equal(t, []string{"foo", "bar"}, p.Components())
}

func TestParentAndBase(t *testing.T) {
	p := path.MustNew("/a/b/c")
	assert.Equal(t, "c", p.Base())
	assert.Equal(t, "/a/b", p.Parent().String())
	assert.Equal(t, "/a", p.Parent().Parent().String())
	assert.Equal(t, "/", p.Parent().Parent().Parent().String())
	assert.Equal(t, "/", p.Parent().Parent().Parent().Parent().String())
}

func TestRootParentIsRoot(t *testing.T) {
	root := path.Root()
	assert.Equal(t, "/", root.Parent().String())
	assert.Equal(t, "", root.Base())
}

func TestExtend(t *testing.T) {
	p := path.MustNew("/a")
	child, err := p.Extend("b")
	require.NoError(t, err)
	assert.Equal(t, "/a/b", child.String())

	for _, bad := range []string{"", ".", "..", "x/y"} {
		_, err := p.Extend(bad)
		require.ErrorIs(t, err, path.ErrInvalidName, bad)
	}
}

func TestRenameLast(t *testing.T) {
	p := path.MustNew("/a/b")
	renamed, err := p.RenameLast("c")
	require.NoError(t, err)
	assert.Equal(t, "/a/c", renamed.String())

	_, err = path.Root().RenameLast("x")
	require.Error(t, err)
}

func TestExt(t *testing.T) {
	assert.Equal(t, ".txt", path.MustNew("/a/b.txt").Ext())
	assert.Equal(t, "", path.MustNew("/a/.hidden").Ext())
	assert.Equal(t, "", path.MustNew("/a/noext").Ext())
	assert.Equal(t, ".gz", path.MustNew("/a/b.tar.gz").Ext())
}

// traverse(n.build_path()) == n is exercised against the tree package in
// tree_test.go; this just checks the round-trip property on Path alone:
// parent + base reconstructs an equivalent path under the normalization
// rules.
func TestParentBaseRoundTrip(t *testing.T) {
	inputs := []string{"/a/b/c", "/x", "//leading", "/trailing/"}
	for _, in := range inputs {
		p := path.MustNew(in)
		if p.IsRoot() {
			continue
		}
		rebuilt, err := p.Parent().Extend(p.Base())
		require.NoError(t, err, in)
		assert.Equal(t, p.String(), rebuilt.String(), in)
	}
}
