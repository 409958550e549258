// Package path implements an absolute-path value type used throughout
// madbfs. Unlike path/filepath, every Path here is guaranteed to be
// absolute and POSIX-shaped: it always starts with '/', never contains a
// "." or ".." component, and iterating its components never allocates
// beyond the initial split.
package path

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrNotAbsolute is returned by New when the input does not start with '/'.
var ErrNotAbsolute = errors.New("path: not an absolute path")

// ErrInvalidName is returned by Extend and Rename when the given name is
// empty, contains a '/', or is "." or "..".
var ErrInvalidName = errors.New("path: invalid component name")

// Path is an immutable absolute path. The zero value is not valid; use
// New or Root.
type Path struct {
	str        string
	components []string // substrings of str, never "." or ".."
}

// Root returns the path "/".
func Root() Path {
	return Path{str: "/"}
}

// New validates and normalizes s into a Path.
//
// Normalization: a run of leading slashes collapses to a single '/'; any
// trailing slashes (on anything but the root) are stripped; internal
// runs of '/' are preserved verbatim in the stored string but are skipped
// when iterating components.
func New(s string) (Path, error) {
	if len(s) == 0 || s[0] != '/' {
		return Path{}, errors.Wrapf(ErrNotAbsolute, "%q", s)
	}

	i := 0
	for i < len(s) && s[i] == '/' {
		i++
	}
	normalized := "/" + s[i:]

	if len(normalized) > 1 && strings.HasSuffix(normalized, "/") {
		normalized = strings.TrimRight(normalized, "/")
		if normalized == "" {
			normalized = "/"
		}
	}

	components := splitComponents(normalized)
	for _, c := range components {
		if c == "." || c == ".." {
			return Path{}, errors.Wrapf(ErrInvalidName, "%q in %q", c, s)
		}
	}

	return Path{str: normalized, components: components}, nil
}

// MustNew is like New but panics on error. Intended for tests and
// compile-time-known constants.
func MustNew(s string) Path {
	p, err := New(s)
	if err != nil {
		panic(err)
	}
	return p
}

func splitComponents(normalized string) []string {
	if normalized == "/" {
		return nil
	}
	parts := strings.Split(normalized[1:], "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// String returns the normalized path string.
func (p Path) String() string {
	if p.str == "" {
		return "/"
	}
	return p.str
}

// IsRoot reports whether p is the root path "/".
func (p Path) IsRoot() bool {
	return len(p.components) == 0
}

// Components returns the path's components, excluding the leading '/'.
// The returned slice must not be mutated; it aliases internal storage.
func (p Path) Components() []string {
	return p.components
}

// Base returns the last component of p, or "" if p is the root.
func (p Path) Base() string {
	if p.IsRoot() {
		return ""
	}
	return p.components[len(p.components)-1]
}

// Ext returns the file extension of Base(), including the leading dot, or
// "" if there is none. A name that starts with '.' and has no further dot
// (a dotfile) has no extension.
func (p Path) Ext() string {
	base := p.Base()
	i := strings.LastIndexByte(base, '.')
	if i <= 0 {
		return ""
	}
	return base[i:]
}

// Parent returns the path to p's parent directory. The parent of root is
// root.
func (p Path) Parent() Path {
	if p.IsRoot() {
		return Root()
	}
	if len(p.components) == 1 {
		return Root()
	}
	parentComponents := p.components[:len(p.components)-1]
	return fromComponents(parentComponents)
}

func fromComponents(components []string) Path {
	if len(components) == 0 {
		return Root()
	}
	return Path{str: "/" + strings.Join(components, "/"), components: components}
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return nil
}

// Extend returns the path obtained by appending name as a new final
// component of p. It fails if name is empty, contains '/', or is "." or
// "..".
func (p Path) Extend(name string) (Path, error) {
	if err := validateName(name); err != nil {
		return Path{}, err
	}
	components := make([]string, len(p.components)+1)
	copy(components, p.components)
	components[len(components)-1] = name
	return fromComponents(components), nil
}

// MustExtend is like Extend but panics on error.
func (p Path) MustExtend(name string) Path {
	out, err := p.Extend(name)
	if err != nil {
		panic(err)
	}
	return out
}

// RenameLast returns a path identical to p except its last component is
// replaced by name. It fails for the root path or an invalid name.
func (p Path) RenameLast(name string) (Path, error) {
	if p.IsRoot() {
		return Path{}, errors.Wrap(ErrInvalidName, "cannot rename root")
	}
	if err := validateName(name); err != nil {
		return Path{}, err
	}
	components := make([]string, len(p.components))
	copy(components, p.components)
	components[len(components)-1] = name
	return fromComponents(components), nil
}

// Equal reports whether p and other denote the same normalized path.
func (p Path) Equal(other Path) bool {
	return p.String() == other.String()
}
