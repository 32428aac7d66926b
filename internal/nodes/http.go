package nodes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/schoolsync/internal/connector"
	"github.com/livinlefevreloca/schoolsync/internal/syncerr"
)

// Config selects and configures the node resolver
type Config struct {
	// DirectoryFile is a static TOML node directory. Used when BaseURL is empty.
	DirectoryFile string `toml:"directory_file"`
	// BaseURL of the node service
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

type wireSchool struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Name   string `json:"name"`
}

type wireNode struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	ParentID string       `json:"parent_id"`
	Schools  []wireSchool `json:"schools"`
}

// HTTPResolver reads the hierarchy from the node service:
//
//	GET {base}/nodes/{id}?include_descendants=true -> {"nodes": [...]}
//	GET {base}/schools?active=true                 -> {"schools": [...]}
type HTTPResolver struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPResolver creates a resolver for the node service at cfg.BaseURL.
func NewHTTPResolver(cfg Config, client *http.Client) (*HTTPResolver, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, errors.Wrap(err, "invalid node service base_url")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPResolver{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
	}, nil
}

// Resolve implements Resolver.
func (r *HTTPResolver) Resolve(ctx context.Context, nodeID string, includeDescendants bool) ([]Node, error) {
	q := url.Values{}
	if includeDescendants {
		q.Set("include_descendants", "true")
	}
	target := r.baseURL + "/nodes/" + url.PathEscape(nodeID)
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var body struct {
		Nodes []wireNode `json:"nodes"`
	}
	if err := r.get(ctx, target, &body); err != nil {
		if syncerr.IsNotFound(err) {
			return nil, errors.Wrapf(err, "node %s", nodeID)
		}
		return nil, err
	}
	if len(body.Nodes) == 0 || body.Nodes[0].ID != nodeID {
		return nil, errors.Newf("node service returned an unexpected tree for %s", nodeID)
	}

	out := make([]Node, 0, len(body.Nodes))
	for _, wn := range body.Nodes {
		n := Node{ID: wn.ID, Name: wn.Name, ParentID: wn.ParentID}
		for _, ws := range wn.Schools {
			s, err := toSchool(ws)
			if err != nil {
				return nil, err
			}
			n.Schools = append(n.Schools, s)
		}
		out = append(out, n)
	}
	return out, nil
}

// AllSchools implements Resolver.
func (r *HTTPResolver) AllSchools(ctx context.Context) ([]connector.School, error) {
	var body struct {
		Schools []wireSchool `json:"schools"`
	}
	if err := r.get(ctx, r.baseURL+"/schools?active=true", &body); err != nil {
		return nil, err
	}

	out := make([]connector.School, 0, len(body.Schools))
	for _, ws := range body.Schools {
		s, err := toSchool(ws)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return DedupeSchools(out), nil
}

func (r *HTTPResolver) get(ctx context.Context, target string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "node service request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return syncerr.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Newf("node service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return errors.Wrap(err, "decode node service response")
	}
	return nil
}

func toSchool(ws wireSchool) (connector.School, error) {
	src, err := connector.ParseSource(ws.Source)
	if err != nil {
		return connector.School{}, errors.Wrapf(err, "school %s", ws.ID)
	}
	return connector.School{ID: ws.ID, Source: src, Name: ws.Name}, nil
}

// NewResolver builds the resolver described by cfg.
func NewResolver(cfg Config, client *http.Client) (Resolver, error) {
	if cfg.BaseURL != "" {
		return NewHTTPResolver(cfg, client)
	}
	if cfg.DirectoryFile == "" {
		return nil, errors.New("nodes: either base_url or directory_file must be set")
	}
	return LoadStaticResolver(cfg.DirectoryFile)
}
