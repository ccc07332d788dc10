package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter matches events by database and collection glob patterns.
type GlobFilter struct {
	collectionGlobs []glob.Glob
	databaseGlobs   []glob.Glob
}

// NewGlobFilter compiles the patterns. Empty pattern lists match everything.
func NewGlobFilter(collectionPatterns, dbPatterns []string) (*GlobFilter, error) {
	collections, err := compileGlobs("collection", collectionPatterns)
	if err != nil {
		return nil, err
	}
	dbs, err := compileGlobs("database", dbPatterns)
	if err != nil {
		return nil, err
	}
	return &GlobFilter{collectionGlobs: collections, databaseGlobs: dbs}, nil
}

func compileGlobs(kind string, patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", kind, pattern, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Match reports whether both the database and the collection match. Events
// without a collection (database and shard events) only need the database
// to match.
func (f *GlobFilter) Match(database, collection string) bool {
	if !matchAny(f.databaseGlobs, database) {
		return false
	}
	if collection == "" {
		return true
	}
	return matchAny(f.collectionGlobs, collection)
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
