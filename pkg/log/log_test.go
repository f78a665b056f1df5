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
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := NewLogger()
	go logger.Start(ctx)
	return logger
}

func TestLogger(t *testing.T) {
	t.Run("event", func(t *testing.T) {
		logger := newTestLogger(t)

		feed, cancel := logger.Subscribe()
		defer cancel()

		eventTime := time.Unix(1, 0)
		go logger.Warn().Src("stream").Session("abc").Time(eventTime).Msgf("%v %v", "a", 1)

		actual := <-feed
		expected := Log{
			Level:   LevelWarning,
			Time:    UnixMicro(1000000),
			Msg:     "a 1",
			Src:     "stream",
			Session: "abc",
		}
		require.Equal(t, expected, actual)
	})
	t.Run("levels", func(t *testing.T) {
		logger := newTestLogger(t)

		feed, cancel := logger.Subscribe()
		defer cancel()

		cases := []struct {
			event    func() *Event
			expected Level
		}{
			{logger.Error, LevelError},
			{logger.Warn, LevelWarning},
			{logger.Info, LevelInfo},
			{logger.Debug, LevelDebug},
		}
		for _, tc := range cases {
			go tc.event().Msg("x")
			require.Equal(t, tc.expected, (<-feed).Level)
		}
	})
	t.Run("unsubscribe", func(t *testing.T) {
		logger := newTestLogger(t)

		feed, cancel := logger.Subscribe()
		cancel()

		_, ok := <-feed
		require.False(t, ok)
	})
	t.Run("stopped", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		logger := NewLogger()
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			logger.Start(ctx)
			wg.Done()
		}()
		cancel()
		wg.Wait()

		// Must not block.
		logger.Info().Msg("x")
	})
	t.Run("mock", func(t *testing.T) {
		logger := NewMockLogger()
		logger.Error().Src("test").Msg("x")
	})
}

func TestLogToWriter(t *testing.T) {
	logger := newTestLogger(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var buf syncBuffer
	done := make(chan struct{})
	go func() {
		logger.LogToWriter(ctx, &buf)
		close(done)
	}()

	require.Eventually(t, func() bool {
		logger.Info().Src("stream").Session("s1").Msg("hello")
		return strings.Contains(buf.String(), "hello")
	}, time.Second, 10*time.Millisecond)

	out := buf.String()
	require.Contains(t, out, "level=info")
	require.Contains(t, out, "src=stream")
	require.Contains(t, out, "session=s1")

	cancel()
	<-done
}

type syncBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
