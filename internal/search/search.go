package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulsechat/pulsechat-server/internal/conversation"
)

// Sentinel errors for the search package.
var (
	ErrSearchUnavailable = errors.New("search service is unavailable")
	ErrEmptyQuery        = errors.New("search query must not be empty")
	// ErrInvalidFilter is returned when a caller-supplied filter value (conversation id, sender id) is not a valid
	// UUID. Filter values are interpolated into the Typesense filter_by expression, so rejecting anything that isn't
	// a UUID up front closes off filter-syntax injection rather than trying to escape it.
	ErrInvalidFilter = errors.New("filter value must be a valid id")
)

// Pagination defaults and limits.
const (
	DefaultPerPage = 25
	MaxPerPage     = 100
	DefaultPage    = 1
	// maxScopedConversations bounds how many of the caller's conversation ids are sent to the search backend as a
	// filter. A user with more active conversations than this would need true server-side filtering to search
	// correctly; in practice no real account approaches this.
	maxScopedConversations = 1000
)

// ConversationLister resolves the conversation ids a user participates in, to scope search results to conversations
// the user can actually see. Satisfied by conversation.Repository.
type ConversationLister interface {
	ListForUser(ctx context.Context, userID uuid.UUID, convType *string, limit, offset int) ([]conversation.Summary, int, error)
}

// Searcher performs raw search queries against a search backend.
type Searcher interface {
	Search(ctx context.Context, params SearchParams) (*SearchResult, error)
}

// Options groups optional query parameters from the handler.
type Options struct {
	ConversationID string
	SenderID       string
	Before         int64
	After          int64
	Page           int
	PerPage        int
}

// ClampPagination normalises page and per-page values to valid ranges.
func ClampPagination(page, perPage int) (int, int) {
	if page < DefaultPage {
		page = DefaultPage
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	return page, perPage
}

// SearchParams groups the parameters sent to the search backend.
type SearchParams struct {
	Query           string
	ConversationIDs []string
	SenderID        string
	Before          int64
	After           int64
	Page            int
	PerPage         int
}

// SearchResult holds the raw search backend response.
type SearchResult struct {
	Found int         `json:"found"`
	Hits  []SearchHit `json:"hits"`
}

// SearchHit represents a single search hit from the backend.
type SearchHit struct {
	Document   SearchDocument    `json:"document"`
	Highlights []SearchHighlight `json:"highlights"`
}

// SearchDocument holds the indexed message fields.
type SearchDocument struct {
	ID             string `json:"id"`
	Content        string `json:"content"`
	SenderID       string `json:"sender_id"`
	ConversationID string `json:"conversation_id"`
	CreatedAt      int64  `json:"created_at"`
}

// SearchHighlight holds highlight information for a single field.
type SearchHighlight struct {
	Field    string   `json:"field"`
	Snippets []string `json:"snippets"`
}

// TypesenseSearcher performs search requests against the Typesense HTTP API.
type TypesenseSearcher struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewTypesenseSearcher creates a new Typesense search client.
func NewTypesenseSearcher(baseURL, apiKey string, timeout time.Duration) *TypesenseSearcher {
	return &TypesenseSearcher{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Search executes a search query against the Typesense messages collection.
func (ts *TypesenseSearcher) Search(ctx context.Context, params SearchParams) (*SearchResult, error) {
	filterParts := []string{
		"conversation_id:[" + strings.Join(params.ConversationIDs, ",") + "]",
	}
	if params.SenderID != "" {
		filterParts = append(filterParts, "sender_id:="+params.SenderID)
	}
	if params.Before > 0 {
		filterParts = append(filterParts, "created_at:<"+strconv.FormatInt(params.Before, 10))
	}
	if params.After > 0 {
		filterParts = append(filterParts, "created_at:>"+strconv.FormatInt(params.After, 10))
	}

	qv := url.Values{}
	qv.Set("q", params.Query)
	qv.Set("query_by", "content")
	qv.Set("filter_by", strings.Join(filterParts, " && "))
	qv.Set("sort_by", "created_at:desc")
	qv.Set("page", strconv.Itoa(params.Page))
	qv.Set("per_page", strconv.Itoa(params.PerPage))
	qv.Set("highlight_fields", "content")
	qv.Set("highlight_start_tag", "<mark>")
	qv.Set("highlight_end_tag", "</mark>")

	searchURL := ts.baseURL + "/collections/messages/documents/search?" + qv.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("X-TYPESENSE-API-KEY", ts.apiKey)

	resp, err := ts.client.Do(req)
	if err != nil {
		return nil, ErrSearchUnavailable
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, ErrSearchUnavailable
	}
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("typesense returned status %d on search: %s", resp.StatusCode, detail)
	}

	var result SearchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return &result, nil
}

// MessageHit is a single search result returned to the caller.
type MessageHit struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversationId"`
	SenderID       string   `json:"senderId"`
	Content        string   `json:"content"`
	CreatedAt      int64    `json:"createdAt"`
	Highlights     []string `json:"highlights,omitempty"`
}

// Response is the shape returned to API callers.
type Response struct {
	TotalCount int          `json:"totalCount"`
	Page       int          `json:"page"`
	PerPage    int          `json:"perPage"`
	Hits       []MessageHit `json:"hits"`
}

// Service orchestrates participation-scoped message search: a user may only search within conversations they are
// currently an active participant of.
type Service struct {
	conversations ConversationLister
	searcher      Searcher
	log           zerolog.Logger
}

// NewService creates a new search service.
func NewService(conversations ConversationLister, searcher Searcher, logger zerolog.Logger) *Service {
	return &Service{conversations: conversations, searcher: searcher, log: logger}
}

// Search executes a participation-scoped message search. Only messages from conversations the caller currently
// participates in are returned.
func (s *Service) Search(ctx context.Context, userID uuid.UUID, query string, opts Options) (*Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if opts.ConversationID != "" {
		if _, err := uuid.Parse(opts.ConversationID); err != nil {
			return nil, ErrInvalidFilter
		}
	}
	if opts.SenderID != "" {
		if _, err := uuid.Parse(opts.SenderID); err != nil {
			return nil, ErrInvalidFilter
		}
	}

	summaries, _, err := s.conversations.ListForUser(ctx, userID, nil, maxScopedConversations, 0)
	if err != nil {
		return nil, fmt.Errorf("list conversations for user: %w", err)
	}

	allowedIDs := make([]string, 0, len(summaries))
	for _, summary := range summaries {
		allowedIDs = append(allowedIDs, summary.ID.String())
	}

	// If the caller specified a conversation filter, intersect with the set the caller actually participates in.
	if opts.ConversationID != "" {
		found := false
		for _, id := range allowedIDs {
			if id == opts.ConversationID {
				found = true
				break
			}
		}
		if !found {
			return emptyResponse(opts.Page, opts.PerPage), nil
		}
		allowedIDs = []string{opts.ConversationID}
	}

	if len(allowedIDs) == 0 {
		return emptyResponse(opts.Page, opts.PerPage), nil
	}

	result, err := s.searcher.Search(ctx, SearchParams{
		Query:           query,
		ConversationIDs: allowedIDs,
		SenderID:        opts.SenderID,
		Before:          opts.Before,
		After:           opts.After,
		Page:            opts.Page,
		PerPage:         opts.PerPage,
	})
	if err != nil {
		return nil, err
	}

	hits := make([]MessageHit, 0, len(result.Hits))
	for _, h := range result.Hits {
		hit := MessageHit{
			ID:             h.Document.ID,
			ConversationID: h.Document.ConversationID,
			SenderID:       h.Document.SenderID,
			Content:        h.Document.Content,
			CreatedAt:      h.Document.CreatedAt,
		}
		for _, hl := range h.Highlights {
			if hl.Field == "content" {
				hit.Highlights = hl.Snippets
				break
			}
		}
		hits = append(hits, hit)
	}

	return &Response{
		TotalCount: result.Found,
		Page:       opts.Page,
		PerPage:    opts.PerPage,
		Hits:       hits,
	}, nil
}

func emptyResponse(page, perPage int) *Response {
	return &Response{
		TotalCount: 0,
		Page:       page,
		PerPage:    perPage,
		Hits:       []MessageHit{},
	}
}
