package usage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryLedgerKeepsTimeOrder(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, l.Append(ctx, Record{Total: 1, Timestamp: base.Add(2 * time.Minute)}))
	require.NoError(t, l.Append(ctx, Record{Total: 2, Timestamp: base}))
	require.NoError(t, l.Append(ctx, Record{Total: 3, Timestamp: base.Add(time.Minute)}))

	recs, err := l.Records(ctx, time.Time{}, "")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, []int{2, 3, 1}, []int{recs[0].Total, recs[1].Total, recs[2].Total})

	sum, err := l.Sum(ctx, base.Add(time.Minute), "")
	require.NoError(t, err)
	require.Equal(t, 4, sum)
}

func TestMemoryLedgerDeleteAndPrune(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, user := range []string{"u1", "u2", "u1", "u2"} {
		require.NoError(t, l.Append(ctx, Record{Total: 10, UserID: user, Timestamp: base.Add(time.Duration(i) * time.Hour)}))
	}

	n, err := l.PruneBefore(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 3, l.Len())

	n, err = l.PruneBefore(ctx, base)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = l.Delete(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	recs, err := l.Records(ctx, time.Time{}, "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "u1", recs[0].UserID)

	n, err = l.Delete(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Zero(t, l.Len())
}
