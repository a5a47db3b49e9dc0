package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "github.com/zewelor/bt-mqtt-gateway/pkg/logx"
)

func exec(i int, driver string) Execution {
	return Execution{
		ID:       fmt.Sprintf("id-%d", i),
		Driver:   driver,
		Op:       "status_update",
		Started:  time.UnixMicro(int64(1_700_000_000_000_000 + i)),
		Took:     time.Duration(i) * time.Millisecond,
		Attempts: 1,
		Messages: i,
		Outcome:  OutcomeOK,
	}
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}

func TestMemoryRingKeepsNewest(t *testing.T) {
	m := NewMemory(3)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		driver := "a"
		if i%2 == 0 {
			driver = "b"
		}
		require.NoError(t, m.Append(ctx, exec(i, driver)))
	}

	all, err := m.Recent(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"id-5", "id-4", "id-3"}, []string{all[0].ID, all[1].ID, all[2].ID})

	onlyA, err := m.Recent(ctx, Query{Driver: "a", Limit: 10})
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	assert.Equal(t, "id-5", onlyA[0].ID)
}

func TestSQLiteAppendRecentPrune(t *testing.T) {
	st, err := Open(Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "db", "history.sqlite"),
		Retain: 4,
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sq, ok := st.(*sqliteStore)
	require.True(t, ok)
	sq.pruneEvery = 5

	ctx := context.Background()
	failed := exec(0, "kitchen")
	failed.Outcome = OutcomeTimeout
	failed.Error = "deadline"
	failed.Topic = "kitchen/lamp/set"
	require.NoError(t, st.Append(ctx, failed))
	for i := 1; i <= 4; i++ {
		require.NoError(t, st.Append(ctx, exec(i, "cellar")))
	}

	// the fifth append pruned down to the newest four
	got, err := st.Recent(ctx, Query{Limit: 100})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "id-4", got[0].ID)
	assert.Equal(t, 4*time.Millisecond, got[0].Took)
	assert.Equal(t, exec(4, "cellar").Started, got[0].Started)

	require.NoError(t, st.Append(ctx, failed))
	kitchen, err := st.Recent(ctx, Query{Driver: "kitchen"})
	require.NoError(t, err)
	require.Len(t, kitchen, 1)
	assert.Equal(t, OutcomeTimeout, kitchen[0].Outcome)
	assert.Equal(t, "deadline", kitchen[0].Error)
	assert.Equal(t, "kitchen/lamp/set", kitchen[0].Topic)
}
