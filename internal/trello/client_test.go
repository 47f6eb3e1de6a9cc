package trello

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/lherron/cardsync/internal/domain"
)

// recordingTimer fires immediately and remembers every requested delay.
type recordingTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	c      chan time.Time
}

func (r *recordingTimer) Start(d time.Duration) {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	r.c <- time.Now()
}

func (r *recordingTimer) Stop() {}

func (r *recordingTimer) C() <-chan time.Time { return r.c }

func (r *recordingTimer) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// newTestClient points a client at server with no pacing and a timer that
// records pauses instead of sleeping. All requests share the same timer.
func newTestClient(server *httptest.Server) (*Client, *recordingTimer) {
	timer := &recordingTimer{c: make(chan time.Time, 1)}
	c := NewClient(server.URL, "k", "t")
	c.Limiter = rate.NewLimiter(rate.Inf, 1)
	c.Retry.NewTimer = func() backoff.Timer { return timer }
	return c, timer
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestFetchBoardSnapshot(t *testing.T) {
	var sawAuth atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") == "k" && r.URL.Query().Get("token") == "t" {
			sawAuth.Store(true)
		}
		switch r.URL.Path {
		case "/1/boards/b1":
			writeJSON(w, Board{ID: "b1", Name: "Roadmap"})
		case "/1/boards/b1/lists":
			assert.Equal(t, "open", r.URL.Query().Get("filter"))
			writeJSON(w, []List{{ID: "l1", Name: "Todo", Pos: 1}})
		case "/1/boards/b1/cards":
			assert.Equal(t, "open", r.URL.Query().Get("filter"))
			writeJSON(w, []Card{
				{ID: "c1", Name: "Fix login", IDList: "l1", Labels: []Label{{ID: "lb1", Name: "Urgent", Color: "red"}}},
				{ID: "c2", Name: "Archived", IDList: "l1", Closed: true},
			})
		case "/1/boards/b1/labels":
			writeJSON(w, []Label{{ID: "lb1", Color: "red"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client, _ := newTestClient(server)
	snap, err := client.FetchBoardSnapshot(context.Background(), "b1")
	require.NoError(t, err)

	assert.True(t, sawAuth.Load(), "key/token should be sent as query parameters")
	assert.Equal(t, "Roadmap", snap.Board.Name)
	assert.Len(t, snap.Lists, 1)
	require.Len(t, snap.Cards, 1, "closed cards must be dropped")
	assert.Equal(t, []string{"Urgent"}, snap.Cards[0].LabelNames())

	_, ok := snap.Card("c1")
	assert.True(t, ok)
	_, ok = snap.Card("c2")
	assert.False(t, ok)
}

func TestFetchBoardSnapshot_IncludeArchivedLists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/1/boards/b1":
			writeJSON(w, Board{ID: "b1"})
		case "/1/boards/b1/lists":
			assert.Equal(t, "all", r.URL.Query().Get("filter"))
			writeJSON(w, []List{{ID: "l1"}, {ID: "l2", Closed: true}})
		default:
			writeJSON(w, []interface{}{})
		}
	}))
	defer server.Close()

	client, _ := newTestClient(server)
	client.IncludeArchivedLists = true
	snap, err := client.FetchBoardSnapshot(context.Background(), "b1")
	require.NoError(t, err)
	assert.Len(t, snap.Lists, 2)
}

func TestCardLabelNamesSkipsUnnamed(t *testing.T) {
	card := Card{Labels: []Label{{ID: "a", Color: "yellow"}, {ID: "b", Name: "Backend", Color: "blue"}}}
	assert.Equal(t, []string{"Backend"}, card.LabelNames())
	assert.Equal(t, "yellow", card.Labels[0].DisplayName())
}

func TestMalformedBodyIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("not json"))
	}))
	defer server.Close()

	client, _ := newTestClient(server)
	_, err := client.FetchChecklist(context.Background(), "cl1")
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetchComments_PaginatesOldestFirst(t *testing.T) {
	const total = 7
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "commentCard", r.URL.Query().Get("filter"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		// Newest first: ids a6..a0
		start := total - 1
		if before := r.URL.Query().Get("before"); before != "" {
			n, _ := strconv.Atoi(before[1:])
			start = n - 1
		}
		var page []Comment
		for i := start; i >= 0 && len(page) < limit; i-- {
			c := Comment{ID: fmt.Sprintf("a%d", i), Type: "commentCard"}
			c.Data.Text = fmt.Sprintf("comment %d", i)
			c.Data.Card.ID = "c1"
			page = append(page, c)
		}
		writeJSON(w, page)
	}))
	defer server.Close()

	client, _ := newTestClient(server)
	client.CommentPageSize = 3

	comments, err := client.FetchComments(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, comments, total)
	assert.Equal(t, "a0", comments[0].ID)
	assert.Equal(t, "a6", comments[total-1].ID)
	assert.Equal(t, "c1", comments[0].CardID())
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetchChecklist_SortsItems(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1/checklists/cl1", r.URL.Path)
		assert.Equal(t, "all", r.URL.Query().Get("checkItems"))
		writeJSON(w, Checklist{ID: "cl1", Name: "Release", CheckItems: []CheckItem{
			{ID: "i2", Name: "tag", Pos: 200},
			{ID: "i1", Name: "build", Pos: 100, State: "complete"},
		}})
	}))
	defer server.Close()

	client, _ := newTestClient(server)
	cl, err := client.FetchChecklist(context.Background(), "cl1")
	require.NoError(t, err)
	require.Len(t, cl.CheckItems, 2)
	assert.Equal(t, "build", cl.CheckItems[0].Name)
	assert.True(t, cl.CheckItems[0].Complete())
}

func TestRateLimitHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(w, Checklist{ID: "cl1"})
	}))
	defer server.Close()

	client, timer := newTestClient(server)
	_, err := client.FetchChecklist(context.Background(), "cl1")
	require.NoError(t, err)

	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, []time.Duration{2 * time.Second}, timer.Delays(), "exactly one pause of the hinted length")
}

func TestRateLimitExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, timer := newTestClient(server)
	_, err := client.FetchChecklist(context.Background(), "cl1")

	var connErr *domain.ConnectorError
	require.True(t, errors.As(err, &connErr), "expected ConnectorError, got %v", err)
	assert.Equal(t, 5, connErr.Attempts)
	assert.EqualValues(t, 5, calls.Load())

	var rl *domain.RateLimitedError
	assert.True(t, errors.As(err, &rl))
	for _, d := range timer.Delays() {
		assert.Equal(t, DefaultRateLimitDelay, d)
	}
	assert.Len(t, timer.Delays(), 4)
}

func TestServerErrorRetriesWithBackoff(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, Checklist{ID: "cl1"})
	}))
	defer server.Close()

	client, timer := newTestClient(server)
	_, err := client.FetchChecklist(context.Background(), "cl1")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, timer.Delays())
}

func TestNonRetryableStatuses(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantErr: domain.ErrUnauthorized},
		{name: "forbidden", status: http.StatusForbidden, wantErr: domain.ErrUnauthorized},
		{name: "not found", status: http.StatusNotFound, wantErr: domain.ErrNotFound},
		{name: "bad request", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client, timer := newTestClient(server)
			_, err := client.FetchChecklist(context.Background(), "cl1")

			var connErr *domain.ConnectorError
			require.True(t, errors.As(err, &connErr))
			assert.Equal(t, 1, connErr.Attempts)
			assert.EqualValues(t, 1, calls.Load())
			assert.Empty(t, timer.Delays())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, DefaultRateLimitDelay, parseRetryAfter(""))
	assert.Equal(t, DefaultRateLimitDelay, parseRetryAfter("soon"))
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)))

	future := parseRetryAfter(time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
	assert.Greater(t, future, 50*time.Minute)
}
