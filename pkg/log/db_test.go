// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package log

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "logs.db")

	wg := &sync.WaitGroup{}
	logDB := NewDB(dbPath, wg)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, logDB.Init(ctx))
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return logDB
}

func TestQuery(t *testing.T) {
	msg1 := Log{Level: LevelError, Time: 4000, Src: "s1", Session: "a", Msg: "msg1"}
	msg2 := Log{Level: LevelWarning, Time: 3000, Src: "s1", Msg: "msg2"}
	msg3 := Log{Level: LevelInfo, Time: 2000, Src: "s2", Session: "b", Msg: "msg3"}

	logDB := newTestDB(t)
	require.NoError(t, logDB.saveLog(msg3))
	require.NoError(t, logDB.saveLog(msg2))
	require.NoError(t, logDB.saveLog(msg1))

	cases := []struct {
		name     string
		input    Query
		expected []Log
	}{
		{
			name:     "singleLevel",
			input:    Query{Levels: []Level{LevelWarning}, Sources: []string{"s1"}},
			expected: []Log{msg2},
		},
		{
			name:     "multipleLevels",
			input:    Query{Levels: []Level{LevelError, LevelWarning}, Sources: []string{"s1"}},
			expected: []Log{msg1, msg2},
		},
		{
			name:     "multipleSources",
			input:    Query{Levels: []Level{LevelError, LevelInfo}, Sources: []string{"s1", "s2"}},
			expected: []Log{msg1, msg3},
		},
		{
			name:     "session",
			input:    Query{Sessions: []string{"b"}},
			expected: []Log{msg3},
		},
		{
			name:     "all",
			input:    Query{},
			expected: []Log{msg1, msg2, msg3},
		},
		{
			name:     "limit",
			input:    Query{Limit: 2},
			expected: []Log{msg1, msg2},
		},
		{
			name:     "exactTime",
			input:    Query{Time: 4000},
			expected: []Log{msg2, msg3},
		},
		{
			name:     "time",
			input:    Query{Time: 3500},
			expected: []Log{msg2, msg3},
		},
		{
			name:     "futureTime",
			input:    Query{Time: 9000},
			expected: []Log{msg1, msg2, msg3},
		},
		{
			name:     "noMatch",
			input:    Query{Sources: []string{"x"}},
			expected: []Log{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logs, err := logDB.Query(tc.input)
			require.NoError(t, err)
			require.Equal(t, tc.expected, logs)
		})
	}
}

func TestQueryEmpty(t *testing.T) {
	logDB := newTestDB(t)
	logs, err := logDB.Query(Query{})
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestSaveLogSameTime(t *testing.T) {
	logDB := newTestDB(t)
	require.NoError(t, logDB.saveLog(Log{Time: 1000, Msg: "a"}))
	require.NoError(t, logDB.saveLog(Log{Time: 1000, Msg: "b"}))

	logs, err := logDB.Query(Query{})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, "b", logs[0].Msg)
}

func TestMaxKeys(t *testing.T) {
	logDB := newTestDB(t)
	logDB.maxKeys = 2

	for i := 1; i <= 3; i++ {
		require.NoError(t, logDB.saveLog(Log{Time: UnixMicro(i * 1000)}))
	}

	logs, err := logDB.Query(Query{})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, UnixMicro(3000), logs[0].Time)
	require.Equal(t, UnixMicro(2000), logs[1].Time)
}

func TestSaveLogs(t *testing.T) {
	logDB := newTestDB(t)
	logger := newTestLogger(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go logDB.SaveLogs(ctx, logger)

	require.Eventually(t, func() bool {
		logger.Info().Src("app").Msg("saved")
		logs, err := logDB.Query(Query{Sources: []string{"app"}, Limit: 1})
		return err == nil && len(logs) == 1
	}, time.Second, 10*time.Millisecond)
}
