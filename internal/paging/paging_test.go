package paging

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pagedInts serves 0..n-1 with the cursor being the next start offset.
func pagedInts(n int, calls *int) FetchFunc[int] {
	return func(ctx context.Context, cursor string, limit int) ([]int, string, error) {
		*calls++
		start := 0
		if cursor != "" {
			start, _ = strconv.Atoi(cursor)
		}
		var out []int
		for i := start; i < n && len(out) < limit; i++ {
			out = append(out, i)
		}
		return out, strconv.Itoa(start + len(out)), nil
	}
}

func TestDrain(t *testing.T) {
	tests := []struct {
		name      string
		n         int
		limit     int
		wantCalls int
	}{
		{name: "empty", n: 0, limit: 10, wantCalls: 1},
		{name: "short first page", n: 7, limit: 10, wantCalls: 1},
		{name: "exact multiple needs trailing empty page", n: 20, limit: 10, wantCalls: 3},
		{name: "several pages", n: 2501, limit: 1000, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got, err := Drain(context.Background(), tt.limit, pagedInts(tt.n, &calls))
			require.NoError(t, err)
			assert.Len(t, got, tt.n)
			assert.Equal(t, tt.wantCalls, calls)
			for i, v := range got {
				if v != i {
					t.Fatalf("item %d = %d, out of order", i, v)
				}
			}
		})
	}
}

func TestDrainStuckCursor(t *testing.T) {
	fetch := func(ctx context.Context, cursor string, limit int) ([]int, string, error) {
		return make([]int, limit), "same", nil
	}
	_, err := Drain[int](context.Background(), 5, fetch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not advance")
}

func TestDrainPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	fetch := func(ctx context.Context, cursor string, limit int) ([]int, string, error) {
		return nil, "", boom
	}
	_, err := Drain[int](context.Background(), 5, fetch)
	assert.ErrorIs(t, err, boom)
}

func TestDrainInvalidLimit(t *testing.T) {
	calls := 0
	_, err := Drain(context.Background(), 0, pagedInts(3, &calls))
	assert.Error(t, err)
	assert.Zero(t, calls)
}

func TestCursorEncodeDecode(t *testing.T) {
	c := &Cursor{SortValue: "2024-01-02T03:04:05Z", LastID: "job-1"}
	encoded, err := c.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, c, decoded)

	_, err = Decode("")
	assert.Error(t, err)
	_, err = Decode("!!!")
	assert.Error(t, err)
	_, err = (&Cursor{}).Encode()
	assert.Error(t, err)
}
