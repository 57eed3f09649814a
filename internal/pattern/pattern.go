// Package pattern implements the ACL pattern matcher used by the security
// manager and the registries. Four forms are supported:
//
//   - exact:            "labs/planner" matches only "labs/planner"
//   - full wildcard:    "*" matches anything
//   - namespace prefix: "labs/*" matches every id under "labs/"
//   - glob:             any pattern containing *, ? or [ is compiled with
//     gobwas/glob, so "*report*" or "tools.search_*" work
//
// Compiled globs are cached; a pattern that fails to compile matches
// nothing.
package pattern

import (
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

var globs sync.Map // pattern string -> glob.Glob

// Match reports whether pattern matches name.
func Match(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == name {
		return true
	}
	if ns, ok := strings.CutSuffix(pattern, "/*"); ok {
		return strings.HasPrefix(name, ns+"/")
	}
	if strings.ContainsAny(pattern, "*?[") {
		return matchGlob(pattern, name)
	}
	return false
}

// MatchAny returns the first pattern in patterns that matches name.
func MatchAny(patterns []string, name string) (string, bool) {
	for _, p := range patterns {
		if Match(p, name) {
			return p, true
		}
	}
	return "", false
}

// Namespace returns the namespace component of a composite agent id, or ""
// when the id carries none.
func Namespace(id string) string {
	if ns, _, ok := strings.Cut(id, "/"); ok {
		return ns
	}
	return ""
}

func matchGlob(pattern, name string) bool {
	if g, ok := globs.Load(pattern); ok {
		return g.(glob.Glob).Match(name)
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return false
	}
	globs.Store(pattern, g)
	return g.Match(name)
}
