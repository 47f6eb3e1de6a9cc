// Package trello is the source connector: a read-only, rate-limit-aware
// client for a Trello-compatible REST API.
package trello

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

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lherron/cardsync/internal/domain"
	"github.com/lherron/cardsync/internal/paging"
	"github.com/lherron/cardsync/internal/retry"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultRateLimitDelay = 10 * time.Second
	DefaultRequestsPerSec = 10
	ActionsPageSize       = 1000
)

// Source is what the sync needs from the source service.
type Source interface {
	FetchBoardSnapshot(ctx context.Context, boardID string) (*Snapshot, error)
	FetchComments(ctx context.Context, boardID string) ([]Comment, error)
	FetchChecklist(ctx context.Context, checklistID string) (*Checklist, error)
}

// Client provides methods to read boards from the source REST API.
type Client struct {
	BaseURL    string
	Key        string
	Token      string
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	Retry      retry.Policy
	Log        *log.Entry

	// IncludeArchivedLists makes snapshots carry closed lists as well.
	IncludeArchivedLists bool
	// CommentPageSize is the actions page size (defaults to ActionsPageSize).
	CommentPageSize int
}

var _ Source = (*Client)(nil)

// NewClient creates a client with the default timeout, pacing and retry policy.
func NewClient(baseURL, key, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Key:     key,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		Limiter: rate.NewLimiter(rate.Limit(DefaultRequestsPerSec), DefaultRequestsPerSec),
		Retry:   retry.Default(),
		Log:     log.NewEntry(log.StandardLogger()),
	}
}

// statusError is a non-2xx response other than 429.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("API error: %s (status %d)", body, e.Code)
}

// retryable reports whether a failed attempt is worth repeating: rate
// limits, server errors and transport failures are; auth, missing objects
// and other client errors are not.
func retryable(err error) bool {
	if errors.Is(err, domain.ErrUnauthorized) || errors.Is(err, domain.ErrNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var rl *domain.RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	var de *decodeError
	return !errors.As(err, &de)
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "failed to parse response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// get performs a GET with pacing and retries and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("key", c.Key)
	params.Set("token", c.Token)
	fullURL := c.BaseURL + path + "?" + params.Encode()
	op := "GET " + path

	policy := c.Retry
	policy.Retryable = retryable
	policy.OnRetry = func(err error, wait time.Duration) {
		c.logger().WithFields(log.Fields{"op": op, "wait": wait}).WithError(err).Warn("retrying source request")
	}

	attempts, err := policy.Do(ctx, func(ctx context.Context) error {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return c.do(ctx, fullURL, out)
	})
	if err != nil {
		return &domain.ConnectorError{Op: op, Attempts: attempts, Err: err}
	}
	return nil
}

func (c *Client) do(ctx context.Context, fullURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &domain.RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", domain.ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, strings.TrimSpace(string(body)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &statusError{Code: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &decodeError{err: err}
	}
	return nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date and falls back to
// DefaultRateLimitDelay.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return DefaultRateLimitDelay
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRateLimitDelay
}

// FetchBoardSnapshot retrieves the board with its lists, open cards and labels.
func (c *Client) FetchBoardSnapshot(ctx context.Context, boardID string) (*Snapshot, error) {
	snap := &Snapshot{}
	listFilter := "open"
	if c.IncludeArchivedLists {
		listFilter = "all"
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		params := url.Values{"fields": {"name,closed"}}
		return c.get(gctx, "/1/boards/"+url.PathEscape(boardID), params, &snap.Board)
	})
	g.Go(func() error {
		params := url.Values{"filter": {listFilter}}
		return c.get(gctx, "/1/boards/"+url.PathEscape(boardID)+"/lists", params, &snap.Lists)
	})
	g.Go(func() error {
		params := url.Values{"filter": {"open"}}
		return c.get(gctx, "/1/boards/"+url.PathEscape(boardID)+"/cards", params, &snap.Cards)
	})
	g.Go(func() error {
		params := url.Values{"limit": {"1000"}}
		return c.get(gctx, "/1/boards/"+url.PathEscape(boardID)+"/labels", params, &snap.Labels)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Archived cards never come back with filter=open; drop strays anyway
	open := snap.Cards[:0]
	for _, card := range snap.Cards {
		if !card.Closed {
			open = append(open, card)
		}
	}
	snap.Cards = open
	if snap.Board.ID == "" {
		snap.Board.ID = boardID
	}

	c.logger().WithFields(log.Fields{
		"board":  boardID,
		"lists":  len(snap.Lists),
		"cards":  len(snap.Cards),
		"labels": len(snap.Labels),
	}).Debug("fetched board snapshot")
	return snap, nil
}

// FetchComments retrieves the board's full comment history, oldest first.
func (c *Client) FetchComments(ctx context.Context, boardID string) ([]Comment, error) {
	path := "/1/boards/" + url.PathEscape(boardID) + "/actions"

	pageSize := c.CommentPageSize
	if pageSize <= 0 {
		pageSize = ActionsPageSize
	}

	comments, err := paging.Drain(ctx, pageSize, func(ctx context.Context, before string, limit int) ([]Comment, string, error) {
		params := url.Values{
			"filter": {"commentCard"},
			"limit":  {strconv.Itoa(limit)},
		}
		if before != "" {
			params.Set("before", before)
		}
		var page []Comment
		if err := c.get(ctx, path, params, &page); err != nil {
			return nil, "", err
		}
		next := ""
		if len(page) > 0 {
			next = page[len(page)-1].ID
		}
		return page, next, nil
	})
	if err != nil {
		return nil, err
	}

	// The API pages newest first
	for i, j := 0, len(comments)-1; i < j; i, j = i+1, j-1 {
		comments[i], comments[j] = comments[j], comments[i]
	}
	return comments, nil
}

// FetchChecklist retrieves a checklist with all of its items ordered by position.
func (c *Client) FetchChecklist(ctx context.Context, checklistID string) (*Checklist, error) {
	var cl Checklist
	params := url.Values{"checkItems": {"all"}}
	if err := c.get(ctx, "/1/checklists/"+url.PathEscape(checklistID), params, &cl); err != nil {
		return nil, err
	}
	cl.SortItems()
	return &cl, nil
}

func (c *Client) logger() *log.Entry {
	if c.Log == nil {
		return log.NewEntry(log.StandardLogger())
	}
	return c.Log
}
