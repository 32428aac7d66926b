// Package nodes is the boundary to the organisational node hierarchy. The
// hierarchy itself is owned elsewhere; this package only reads it.
package nodes

import (
	"context"

	"github.com/livinlefevreloca/schoolsync/internal/connector"
)

// Node is one organisational unit with the schools assigned directly to it
type Node struct {
	ID       string
	Name     string
	ParentID string
	Schools  []connector.School
}

//go:generate mockgen -destination=mocks/mock_resolver.go -package=mocks -source=resolver.go Resolver

// Resolver reads the node tree.
type Resolver interface {
	// Resolve returns the node followed, when includeDescendants is set, by
	// every node in its subtree. Unknown ids wrap syncerr.ErrNotFound.
	Resolve(ctx context.Context, nodeID string, includeDescendants bool) ([]Node, error)

	// AllSchools returns every active school assigned to any node.
	AllSchools(ctx context.Context) ([]connector.School, error)
}

// Dedupe flattens the schools of nodes, keeping the first occurrence of each
// (school id, source) pair.
func Dedupe(nodes []Node) []connector.School {
	var all []connector.School
	for _, n := range nodes {
		all = append(all, n.Schools...)
	}
	return DedupeSchools(all)
}

// DedupeSchools removes repeated (school id, source) pairs, preserving order.
func DedupeSchools(schools []connector.School) []connector.School {
	type key struct {
		id  string
		src connector.Source
	}
	seen := make(map[key]bool, len(schools))
	out := make([]connector.School, 0, len(schools))
	for _, s := range schools {
		k := key{s.ID, s.Source}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}
