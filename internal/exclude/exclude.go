// Package exclude defines the path-exclusion predicate consulted by the walker
// and partitioner. The predicate itself is an external collaborator — backed by
// whatever exclusion policy the caller wants — but a usable default
// implementation is supplied here so the rest of the engine is independently
// testable.
package exclude

import (
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// Predicate decides whether a path (and, if it names a directory, its entire
// subtree) should be skipped during traversal and partitioning.
type Predicate interface {
	// Skip reports whether path should be excluded entirely. relPath is path
	// relative to the traversal root, using forward slashes.
	Skip(relPath string, isDir bool) bool
}

// None never excludes anything.
func None() Predicate { return noneP{} }

type noneP struct{}

func (noneP) Skip(string, bool) bool { return false }

// Patterns builds a Predicate from gitignore-style glob patterns (the idiom this
// module's backup-exclusion analogue, other_examples' pterodactyl/wings filesystem
// archiver, uses for the same job). A nil/empty pattern set behaves like None.
func Patterns(patterns []string) (Predicate, error) {
	if len(patterns) == 0 {
		return None(), nil
	}

	m := gitignore.CompileIgnoreLines(patterns...)

	return &patternPredicate{m: m}, nil
}

type patternPredicate struct {
	m *gitignore.GitIgnore
}

func (p *patternPredicate) Skip(relPath string, _ bool) bool {
	return p.m.MatchesPath(strings.TrimPrefix(relPath, "/"))
}

// Literal excludes an exact set of paths, compared against the root-relative
// path Skip receives, matching the original twrpTar "check_skip_dirs" exact-path
// semantics. Only exact matches are skipped; the walker then skips everything
// under a matched directory.
func Literal(paths []string) Predicate {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[strings.TrimSuffix(p, "/")] = true
	}

	return &literalPredicate{set: set}
}

type literalPredicate struct {
	set map[string]bool
}

func (p *literalPredicate) Skip(relPath string, _ bool) bool {
	return p.set[strings.TrimSuffix(relPath, "/")]
}

// Any combines predicates with OR semantics: a path is skipped if any of them
// would skip it.
func Any(preds ...Predicate) Predicate {
	return anyPredicate{preds: preds}
}

type anyPredicate struct {
	preds []Predicate
}

func (a anyPredicate) Skip(relPath string, isDir bool) bool {
	for _, p := range a.preds {
		if p.Skip(relPath, isDir) {
			return true
		}
	}

	return false
}
