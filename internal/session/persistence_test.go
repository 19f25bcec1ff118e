package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLogSaveAndQuery(t *testing.T) {
	l, err := OpenLog(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer l.Close()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		rec := Record{
			SessionID:    string(rune('a' + i)),
			ClientID:     7,
			Mode:         "upload",
			FileHash:     "abcd",
			State:        "completed",
			ChunksSeen:   uint64(10 * (i + 1)),
			ChunksUnique: uint64(i + 1),
			BytesStored:  uint64(4096 * (i + 1)),
			StartedAt:    base.Add(time.Duration(i) * time.Minute),
			FinishedAt:   base.Add(time.Duration(i)*time.Minute + 30*time.Second),
		}
		require.NoError(t, l.Save(rec))
	}
	// A different tenant's row must not leak into the query below.
	require.NoError(t, l.Save(Record{
		SessionID: "other", ClientID: 8, Mode: "upload", FileHash: "ffff",
		State: "completed", StartedAt: base, FinishedAt: base,
	}))

	recs, err := l.RecentForClient(7, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	// Newest first.
	require.Equal(t, "c", recs[0].SessionID)
	require.Equal(t, uint64(30), recs[0].ChunksSeen)

	recs, err = l.RecentForClient(7, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestLogUpsert(t *testing.T) {
	l, err := OpenLog(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer l.Close()

	rec := Record{
		SessionID: "s1", ClientID: 1, Mode: "upload", FileHash: "aa",
		State: "active", StartedAt: time.Now(), FinishedAt: time.Now(),
	}
	require.NoError(t, l.Save(rec))
	rec.State = "completed"
	rec.ChunksSeen = 12
	require.NoError(t, l.Save(rec))

	recs, err := l.RecentForClient(1, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "completed", recs[0].State)
	require.Equal(t, uint64(12), recs[0].ChunksSeen)
}
