package kite

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// History Pagination
// ============================================================================

// historyPath is the windowed history endpoint.
const historyPath = "/api/v1/messages/history"

// History page size bounds. Requests outside the bounds are clamped, not
// rejected.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	// maxSearchPages bounds QueryAcrossPages so a filter that matches
	// nothing cannot walk the entire archive.
	maxSearchPages = 50
)

// HistoryFilter narrows a history request. Zero values mean "no constraint".
type HistoryFilter struct {
	From    time.Time
	To      time.Time
	Type    MessageType
	Keyword string
}

func (f *HistoryFilter) empty() bool {
	return f.From.IsZero() && f.To.IsZero() && f.Type == "" && f.Keyword == ""
}

// PageRequest asks for one window of a conversation's history. Page is
// 1-based.
type PageRequest struct {
	Conv   ConvKey
	Page   int
	Size   int
	Filter HistoryFilter
}

// PageResult is one fetched history window. Rows are newest-first as the
// server returns them; the engine's merge decides display placement.
type PageResult struct {
	Rows    []MessageFrame
	HasMore bool
}

// historyPage is the server's wire shape for one page.
type historyPage struct {
	Rows    []MessageFrame `json:"rows"`
	Total   int            `json:"total"`
	HasMore bool           `json:"hasMore"`
}

// HistoryPaginator fetches windowed message history over REST. It is
// stateless; per-conversation cursors live in the Engine.
type HistoryPaginator struct {
	rest *RESTClient
}

// NewHistoryPaginator creates a paginator over rest.
func NewHistoryPaginator(rest *RESTClient) *HistoryPaginator {
	return &HistoryPaginator{rest: rest}
}

// FetchPage fetches one history page. Page numbers below 1 are treated as
// 1; sizes are clamped to [1, MaxPageSize] with DefaultPageSize for zero.
func (h *HistoryPaginator) FetchPage(ctx context.Context, req PageRequest) (*PageResult, error) {
	page := req.Page
	if page < 1 {
		page = 1
	}
	size := req.Size
	switch {
	case size <= 0:
		size = DefaultPageSize
	case size > MaxPageSize:
		size = MaxPageSize
	}

	query := map[string]string{
		"conversationId": strconv.FormatInt(req.Conv.ID, 10),
		"kind":           string(req.Conv.Kind),
		"page":           strconv.Itoa(page),
		"size":           strconv.Itoa(size),
	}
	if !req.Filter.From.IsZero() {
		query["from"] = req.Filter.From.UTC().Format(time.RFC3339)
	}
	if !req.Filter.To.IsZero() {
		query["to"] = req.Filter.To.UTC().Format(time.RFC3339)
	}
	if req.Filter.Type != "" {
		query["type"] = string(req.Filter.Type)
	}
	if req.Filter.Keyword != "" {
		query["keyword"] = req.Filter.Keyword
	}

	res, err := h.rest.Get(ctx, historyPath, query)
	if err != nil {
		return nil, fmt.Errorf("history: fetch page %d: %w", page, err)
	}
	if res.Error != nil {
		return nil, fmt.Errorf("history: fetch page %d: %w", page, res.Error)
	}

	var wire historyPage
	if err := res.Decode(&wire); err != nil {
		return nil, fmt.Errorf("history: decode page %d: %w", page, err)
	}
	// The server filters too, but it indexes raw bodies; re-filtering here
	// keeps markup-bearing rows out of keyword results.
	rows := wire.Rows
	if !req.Filter.empty() {
		kept := rows[:0]
		for _, f := range rows {
			if matchFilter(&f, &req.Filter) {
				kept = append(kept, f)
			}
		}
		rows = kept
	}
	return &PageResult{Rows: rows, HasMore: wire.HasMore}, nil
}

// QueryAcrossPages walks history pages from startPage until it has
// collected up to limit matching rows, the server runs out of pages, or
// the scan bound is hit. Used by search, where a sparse filter may need
// several server pages to fill one result screen.
func (h *HistoryPaginator) QueryAcrossPages(ctx context.Context, conv ConvKey, filter HistoryFilter, startPage, limit int) ([]MessageFrame, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	page := startPage
	if page < 1 {
		page = 1
	}

	var out []MessageFrame
	for scanned := 0; scanned < maxSearchPages; scanned++ {
		res, err := h.FetchPage(ctx, PageRequest{
			Conv:   conv,
			Page:   page,
			Size:   MaxPageSize,
			Filter: filter,
		})
		if err != nil {
			return out, err
		}
		for _, f := range res.Rows {
			out = append(out, f)
			if len(out) >= limit {
				return out, nil
			}
		}
		if !res.HasMore {
			return out, nil
		}
		page++
	}
	return out, nil
}

// matchFilter applies a history filter to one row on the client side.
// Keyword matching is case-insensitive over the markup-stripped body.
func matchFilter(f *MessageFrame, filter *HistoryFilter) bool {
	if filter.Type != "" {
		typ := MessageType(f.Type)
		if typ == "" {
			typ = TypeText
		}
		if typ != filter.Type {
			return false
		}
	}
	if !filter.From.IsZero() || !filter.To.IsZero() {
		at, err := time.Parse(time.RFC3339Nano, f.SentAt)
		if err != nil {
			if at, err = time.Parse(time.RFC3339, f.SentAt); err != nil {
				return false
			}
		}
		if !filter.From.IsZero() && at.Before(filter.From) {
			return false
		}
		if !filter.To.IsZero() && at.After(filter.To) {
			return false
		}
	}
	if filter.Keyword != "" {
		body := strings.ToLower(stripMarkup(f.Content))
		if !strings.Contains(body, strings.ToLower(filter.Keyword)) {
			return false
		}
	}
	return true
}
