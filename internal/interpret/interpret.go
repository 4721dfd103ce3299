// Package interpret turns fetched profile, relation-list and incremental
// pages into entities plus the follow-up fetch tasks they imply.
//
// Interpreters hold no mutable state and are safe for concurrent use.
package interpret

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

// DefaultPageSize is the number of members rendered on a relation list's first page.
const DefaultPageSize = 20

// Config controls how discovered addresses become tasks.
type Config struct {
	// BaseURL is the site root used to resolve relative links, e.g. https://www.zhihu.com.
	BaseURL string
	// PageSize is the relation list page size.
	PageSize int
	// Headers is copied into every task created by an interpreter.
	Headers http.Header
}

// Result is the output of one interpreted response.
type Result struct {
	Profile  *crawler.Profile
	Relation *crawler.RelationList
	Tasks    []crawler.PendingFetch
	// Warnings holds non-fatal parse errors for logging.
	Warnings []error
}

// Interpreter extracts entities from the three page shapes of the site.
type Interpreter struct {
	base     *url.URL
	pageSize int
	headers  http.Header
}

// New validates cfg and builds an Interpreter.
func New(cfg Config) (*Interpreter, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Interpreter{
		base:     base,
		pageSize: pageSize,
		headers:  cfg.Headers.Clone(),
	}, nil
}

// PageSize returns the configured relation page size.
func (i *Interpreter) PageSize() int {
	return i.pageSize
}

func (i *Interpreter) profileTask(addr, scope, referer string) crawler.PendingFetch {
	return crawler.PendingFetch{
		Purpose:  crawler.PurposeProfile,
		URL:      addr,
		Method:   http.MethodGet,
		Headers:  crawler.BuildHeaders(i.headers, "Referer", referer),
		Scope:    scope,
		Priority: crawler.PriorityNormal,
	}
}

func parseDocument(resp crawler.FetchResponse) (*goquery.Document, error) {
	if len(resp.Body) == 0 {
		return nil, &crawler.ProtocolError{URL: resp.URL, Reason: "empty body"}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, &crawler.ProtocolError{URL: resp.URL, Reason: "parse html", Err: err}
	}
	return doc, nil
}
