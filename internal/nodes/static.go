package nodes

import (
	"context"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/schoolsync/internal/connector"
	"github.com/livinlefevreloca/schoolsync/internal/syncerr"
)

// directoryFile is the on-disk layout of a static node directory:
//
//	[[nodes]]
//	id = "IN-N"
//	name = "North India"
//	parent = "IN"
//
//	  [[nodes.schools]]
//	  id = "sch-001"
//	  source = "mb"
//	  name = "Delhi Public School"
type directoryFile struct {
	Nodes []struct {
		ID      string `toml:"id"`
		Name    string `toml:"name"`
		Parent  string `toml:"parent"`
		Schools []struct {
			ID     string `toml:"id"`
			Source string `toml:"source"`
			Name   string `toml:"name"`
			Active *bool  `toml:"active"`
		} `toml:"schools"`
	} `toml:"nodes"`
}

type staticNode struct {
	Node
	children []string
	inactive map[string]bool // key: source + "/" + id
}

// StaticResolver serves the node tree from memory. It is loaded from a TOML
// file for single-box deployments and tests.
type StaticResolver struct {
	nodes map[string]*staticNode
	order []string
}

// LoadStaticResolver reads a node directory file.
func LoadStaticResolver(path string) (*StaticResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read node directory")
	}
	return ParseStaticResolver(string(data))
}

// ParseStaticResolver builds a resolver from TOML text.
func ParseStaticResolver(data string) (*StaticResolver, error) {
	var file directoryFile
	if _, err := toml.Decode(data, &file); err != nil {
		return nil, errors.Wrap(err, "parse node directory")
	}

	r := &StaticResolver{nodes: make(map[string]*staticNode)}
	for _, n := range file.Nodes {
		if n.ID == "" {
			return nil, errors.New("node directory: node without id")
		}
		if _, dup := r.nodes[n.ID]; dup {
			return nil, errors.Newf("node directory: duplicate node %q", n.ID)
		}

		sn := &staticNode{
			Node:     Node{ID: n.ID, Name: n.Name, ParentID: n.Parent},
			inactive: make(map[string]bool),
		}
		for _, s := range n.Schools {
			src, err := connector.ParseSource(s.Source)
			if err != nil {
				return nil, errors.Wrapf(err, "node %s school %s", n.ID, s.ID)
			}
			sn.Schools = append(sn.Schools, connector.School{ID: s.ID, Source: src, Name: s.Name})
			if s.Active != nil && !*s.Active {
				sn.inactive[string(src)+"/"+s.ID] = true
			}
		}
		r.nodes[n.ID] = sn
		r.order = append(r.order, n.ID)
	}

	for _, id := range r.order {
		parent := r.nodes[id].ParentID
		if parent == "" {
			continue
		}
		p, ok := r.nodes[parent]
		if !ok {
			return nil, errors.Newf("node directory: node %q has unknown parent %q", id, parent)
		}
		p.children = append(p.children, id)
	}
	for _, n := range r.nodes {
		sort.Strings(n.children)
	}

	if err := r.checkAcyclic(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *StaticResolver) checkAcyclic() error {
	for _, id := range r.order {
		seen := map[string]bool{id: true}
		for p := r.nodes[id].ParentID; p != ""; p = r.nodes[p].ParentID {
			if seen[p] {
				return errors.Newf("node directory: cycle through %q", p)
			}
			seen[p] = true
		}
	}
	return nil
}

// Resolve implements Resolver. Inactive schools are left out.
func (r *StaticResolver) Resolve(ctx context.Context, nodeID string, includeDescendants bool) ([]Node, error) {
	root, ok := r.nodes[nodeID]
	if !ok {
		return nil, errors.Wrapf(syncerr.ErrNotFound, "node %s", nodeID)
	}

	out := []Node{r.active(root)}
	if !includeDescendants {
		return out, nil
	}

	// breadth first so nearer nodes come first
	queue := append([]string(nil), root.children...)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := r.nodes[queue[0]]
		queue = queue[1:]
		out = append(out, r.active(n))
		queue = append(queue, n.children...)
	}
	return out, nil
}

// AllSchools implements Resolver.
func (r *StaticResolver) AllSchools(ctx context.Context) ([]connector.School, error) {
	var all []connector.School
	for _, id := range r.order {
		all = append(all, r.active(r.nodes[id]).Schools...)
	}
	return DedupeSchools(all), nil
}

func (r *StaticResolver) active(n *staticNode) Node {
	out := Node{ID: n.ID, Name: n.Name, ParentID: n.ParentID}
	for _, s := range n.Schools {
		if !n.inactive[string(s.Source)+"/"+s.ID] {
			out.Schools = append(out.Schools, s)
		}
	}
	return out
}
