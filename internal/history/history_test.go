package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendAndRecentOrdering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	j, err := Open(path)
	require.NoError(t, err)
	defer j.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, j.Append(Record{Timestamp: base, Device: "dev1", Engine: "qualcomm", Operation: "connect", Outcome: "ok"}))
	require.NoError(t, j.Append(Record{Timestamp: base.Add(time.Minute), Device: "dev1", Engine: "qualcomm", Operation: "write_partition", Partition: "boot", Outcome: "ok"}))

	recent, err := j.Recent(0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "write_partition", recent[0].Operation) // newest first
	require.Equal(t, "connect", recent[1].Operation)
}

func TestRecentRespectsLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	j, err := Open(path)
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, j.Append(Record{Operation: "erase_partition", Outcome: "ok"}))
	}
	recent, err := j.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
}

func TestReopenPersistsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Append(Record{Operation: "connect", Outcome: "ok"}))
	require.NoError(t, j.Close())

	j2, err := Open(path)
	require.NoError(t, err)
	defer j2.Close()
	recent, err := j2.Recent(0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
}
