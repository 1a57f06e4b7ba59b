package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "circuitpoll/pkg/logx"
)

func rec(i int) Record {
	return Record{
		At:        time.Unix(1_700_000_000+int64(i), 0).UTC(),
		Scheduler: "sensor",
		Circuit:   "c1",
		Device:    fmt.Sprintf("d%d", i),
		Kind:      "active-power",
		TookMS:    int64(i),
		OK:        i%2 == 0,
	}
}

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}

func TestBackends(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "history.db")
			ctx := context.Background()

			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			require.NotNil(t, st)

			for i := 0; i < 5; i++ {
				r := rec(i)
				if !r.OK {
					r.Error = "timeout"
				}
				require.NoError(t, st.AppendDispatch(ctx, r))
			}

			got, err := st.RecentDispatches(ctx, 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "d4", got[0].Device)
			assert.Equal(t, "d2", got[2].Device)
			assert.Equal(t, "timeout", got[1].Error)
			assert.True(t, got[0].At.Equal(rec(4).At))
			require.NoError(t, st.Close())

			// history survives reopening
			st, err = Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()
			got, err = st.RecentDispatches(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, got, 5)
		})
	}
}

func TestFileCompaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	ctx := context.Background()
	st, err := Open(Config{Driver: "file", Path: path, Retain: 4}, logx.Nop())
	require.NoError(t, err)

	for i := 0; i < 11; i++ {
		require.NoError(t, st.AppendDispatch(ctx, rec(i)))
	}
	fs := st.(*fileStore)
	assert.Less(t, fs.lines, 8)
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path, Retain: 4}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.RecentDispatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "d10", got[0].Device)
	assert.Equal(t, "d7", got[3].Device)
}

func TestFileRequiresPath(t *testing.T) {
	_, err := Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	assert.Error(t, err)
}
