package connector

import (
	"slices"
	"strings"

	"github.com/livinlefevreloca/schoolsync/internal/syncerr"
)

// Source identifies one of the upstream school-information systems.
type Source string

const (
	SourceMB  Source = "mb"
	SourceNex Source = "nex"
)

// Sources lists every known upstream system.
var Sources = []Source{SourceMB, SourceNex}

// ParseSource validates a source name.
func ParseSource(s string) (Source, error) {
	src := Source(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(Sources, src) {
		return src, nil
	}
	return "", syncerr.Invalid("school_source", "unknown source %q", s)
}

// Endpoint names one category of data fetched from a source.
type Endpoint string

// Endpoint catalogues. The order is used when no subset is requested.
var catalogue = map[Source][]Endpoint{
	SourceMB: {
		"school",
		"year_groups",
		"classes",
		"teachers",
		"students",
		"memberships",
		"attendance",
		"term_grades",
	},
	SourceNex: {
		"school",
		"staff",
		"students",
		"classes",
		"allocations",
		"attendance",
		"assessments",
	},
}

// Catalogue returns a copy of the ordered endpoint list for src.
func Catalogue(src Source) []Endpoint {
	return slices.Clone(catalogue[src])
}

// Selection is a validated, ordered subset of endpoints per source. An empty
// entry means "every endpoint of that source".
type Selection map[Source][]Endpoint

// NewSelection validates raw endpoint names per source. Unknown names are
// rejected so typos surface before a run starts.
func NewSelection(mb, nex []string) (Selection, error) {
	sel := Selection{}
	for _, in := range []struct {
		src   Source
		names []string
		field string
	}{
		{SourceMB, mb, "endpoints_mb"},
		{SourceNex, nex, "endpoints_nex"},
	} {
		eps, err := parseEndpoints(in.src, in.names, in.field)
		if err != nil {
			return nil, err
		}
		if len(eps) > 0 {
			sel[in.src] = eps
		}
	}
	return sel, nil
}

func parseEndpoints(src Source, names []string, field string) ([]Endpoint, error) {
	known := catalogue[src]
	var eps []Endpoint
	for _, n := range names {
		ep := Endpoint(strings.ToLower(strings.TrimSpace(n)))
		if !slices.Contains(known, ep) {
			return nil, syncerr.Invalid(field, "unknown %s endpoint %q", src, n)
		}
		if !slices.Contains(eps, ep) {
			eps = append(eps, ep)
		}
	}
	return eps, nil
}

// For returns the endpoints to call for src. A requested subset keeps the
// caller's order; otherwise the whole catalogue is used.
func (s Selection) For(src Source) []Endpoint {
	chosen := s[src]
	if len(chosen) == 0 {
		return Catalogue(src)
	}
	return slices.Clone(chosen)
}

// Names returns the explicit subset for src as strings (nil when unrestricted).
func (s Selection) Names(src Source) []string {
	if len(s[src]) == 0 {
		return nil
	}
	out := make([]string, 0, len(s[src]))
	for _, ep := range s.For(src) {
		out = append(out, string(ep))
	}
	return out
}
