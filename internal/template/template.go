package template

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/austindbirch/harbor_relay/internal/config"
)

const (
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
)

// Template is the immutable shape of every outbound request: target URL plus
// headers. Custom headers are applied first and Content-Type last, so a
// configured Content-Type is always replaced by application/json.
type Template struct {
	url    string
	header http.Header
}

// New builds the template once from cfg
func New(cfg config.Config) (*Template, error) {
	u, err := url.Parse(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", cfg.URL(), err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("url %q must be an absolute http or https url", cfg.URL())
	}

	headers := cfg.Headers()
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	h := make(http.Header, len(headers)+1)
	for _, name := range names {
		h.Set(name, headers[name])
	}
	h.Set(headerContentType, contentTypeJSON)

	return &Template{url: u.String(), header: h}, nil
}

// URL returns the target URL
func (t *Template) URL() string { return t.url }

// Clone returns a fresh request descriptor that the caller may modify freely
func (t *Template) Clone() Request {
	return Request{URL: t.url, Header: t.header.Clone()}
}

// Request is a per-send copy of the template
type Request struct {
	URL    string
	Header http.Header
}

// Build turns the descriptor into a POST carrying body
func (r Request) Build(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = r.Header
	return req, nil
}
