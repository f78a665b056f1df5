package stream

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"zeromirror/pkg/log"
	"zeromirror/pkg/storage"
	"zeromirror/pkg/system"
	"zeromirror/pkg/video"
	"zeromirror/pkg/video/dash"
	"zeromirror/pkg/video/ebml"
	"zeromirror/pkg/video/mp4"
	"zeromirror/pkg/video/mp4muxer"

	"github.com/stretchr/testify/require"
)

func TestNextWait(t *testing.T) {
	cases := []struct {
		elapsed  time.Duration
		expected time.Duration
	}{
		{0, 3 * time.Second},
		{500 * time.Millisecond, 2500 * time.Millisecond},
		{3 * time.Second, 0},
		{5 * time.Second, 0},
	}
	for _, tc := range cases {
		require.Equal(t, tc.expected, NextWait(3*time.Second, tc.elapsed))
	}
}

// fakeClock advances with the timestamps of the synthetic source.
// A rollover timer fires once the source reaches its deadline and the
// source waits until the rollover loop has armed the next timer.
type fakeClock struct {
	t          *testing.T
	mu         sync.Mutex
	start      time.Time
	now        time.Time
	deadline   time.Time
	timer      chan time.Time
	registered chan struct{}
}

func newFakeClock(t *testing.T) *fakeClock {
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	return &fakeClock{
		t:          t,
		start:      start,
		now:        start,
		registered: make(chan struct{}, 1),
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.deadline = c.now.Add(d)
	c.timer = ch
	c.mu.Unlock()
	c.registered <- struct{}{}
	return ch
}

func (c *fakeClock) waitRegistered() {
	select {
	case <-c.registered:
	case <-time.After(5 * time.Second):
		c.t.Error("timer was never armed")
	}
}

func (c *fakeClock) beforeUnit(index int, unit video.AccessUnit) {
	if index == 0 {
		c.waitRegistered()
	}

	c.mu.Lock()
	c.now = c.start.Add(unit.Duration())
	var fire chan time.Time
	if c.timer != nil && !c.now.Before(c.deadline) {
		fire = c.timer
		c.timer = nil
	}
	now := c.now
	c.mu.Unlock()

	if fire != nil {
		fire <- now
		c.waitRegistered()
	}
}

type mockPublisher struct {
	mu    sync.Mutex
	names []string
	onPub func(n int)
}

func (p *mockPublisher) Publish(_ context.Context, name string) error {
	p.mu.Lock()
	p.names = append(p.names, name)
	n := len(p.names)
	p.mu.Unlock()
	if p.onPub != nil {
		p.onPub(n)
	}
	return nil
}

func (p *mockPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.names...)
}

func newTestConfig(t *testing.T, yaml string) Config {
	t.Helper()
	c, err := NewConfig([]byte(yaml))
	require.NoError(t, err)
	return c
}

// Ten seconds of 30 fps video with a 3 second interval.
func runScenario(t *testing.T, config Config, src *video.SyntheticSource) (*mockPublisher, string, string) {
	t.Helper()
	clock := newFakeClock(t)
	src.TrackID = video.VideoTrackID
	src.Rate = 30
	src.Count = 300
	src.GOP = 60
	src.PayloadSize = 8
	src.BeforeUnit = clock.beforeUnit

	outputDir := t.TempDir()
	tempDir := t.TempDir()
	publisher := &mockPublisher{}
	s, err := NewSession(config, Deps{
		Video:     src,
		Publisher: publisher,
		Logger:    log.NewMockLogger(),
		Now:       clock.Now,
		After:     clock.After,
		OutputDir: outputDir,
		TempDir:   tempDir,
	})
	require.NoError(t, err)

	err = s.Run(context.Background())
	require.ErrorIs(t, err, ErrSourceEnded)
	return publisher, outputDir, tempDir
}

func TestSessionManifest(t *testing.T) {
	config := newTestConfig(t, "stream:\n  intervalMs: 3000\n  video:\n    codec: vp8\n")
	publisher, dir, _ := runScenario(t, config, &video.SyntheticSource{})

	require.Equal(t, []string{"video0.webm", "video1.webm", "video2.webm"}, publisher.published())

	for _, name := range []string{"video_init.webm", dash.ManifestName} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}

	// The last segment is the final flush on teardown.
	expected := []struct {
		first    int
		count    int
		keyframe bool
	}{
		{0, 90, true},
		{90, 90, false},
		{180, 90, true},
		{270, 30, false},
	}
	for i, want := range expected {
		raw, err := os.ReadFile(filepath.Join(dir, webmSegmentName(i)))
		require.NoError(t, err)
		blocks, err := ebml.ReadBlocks(bytes.NewReader(raw))
		require.NoError(t, err)
		require.Len(t, blocks, want.count, i)

		require.Equal(t, want.keyframe, blocks[0].Keyframe, i)
		for j, block := range blocks {
			require.Equal(t, uint64(video.VideoTrackID), block.TrackNumber)
			require.Equal(t, want.first+j, video.UnitIndex(block.Payload))
			require.Equal(t, video.UnitIndex(block.Payload)%60 == 0, block.Keyframe)
		}
	}
	_, err := os.Stat(filepath.Join(dir, webmSegmentName(4)))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func webmSegmentName(i int) string {
	return storage.FileName("video", i, ".webm")
}

// findBox returns the payload of the first box matching path.
func findBox(t *testing.T, data []byte, path ...string) []byte {
	t.Helper()
	for len(path) > 0 {
		found := false
		var pos uint64
		for pos+8 <= uint64(len(data)) {
			h, err := mp4.ReadBoxHeader(bytes.NewReader(data[pos:]), uint64(len(data))-pos)
			require.NoError(t, err)
			if h.Type.String() == path[0] {
				data = data[pos+h.HeaderSize : pos+h.Size]
				found = true
				break
			}
			pos += h.Size
		}
		require.True(t, found, path[0])
		path = path[1:]
	}
	return data
}

func TestSessionNotification(t *testing.T) {
	config := newTestConfig(t, "stream:\n  mode: notification\n  intervalMs: 3000\n")
	src := &video.SyntheticSource{Config: syntheticH264Config()}
	publisher, dir, tempDir := runScenario(t, config, src)

	require.Equal(t, []string{"file0.mp4", "file1.mp4", "file2.mp4"}, publisher.published())

	for i, name := range publisher.published() {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)

		boxes, err := mp4.ScanBoxes(bytes.NewReader(raw))
		require.NoError(t, err)
		require.Len(t, boxes, 3)
		require.Equal(t, mp4.TypeFtyp, boxes[0].Type)
		require.Equal(t, mp4.TypeMoov, boxes[1].Type)
		require.Equal(t, mp4.TypeMdat, boxes[2].Type)

		stco := findBox(t, raw, "moov", "trak", "mdia", "minf", "stbl", "stco")
		offset := int(stco[8])<<24 | int(stco[9])<<16 | int(stco[10])<<8 | int(stco[11])
		sample := raw[offset : offset+4+8]
		require.Equal(t, []byte{0, 0, 0, 8}, sample[:4])
		require.Equal(t, i*90, video.UnitIndex(sample[4:]))
	}

	_, err := os.Stat(filepath.Join(dir, "file3.mp4"))
	require.ErrorIs(t, err, os.ErrNotExist)

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	require.Empty(t, entries, "temporary file wasn't discarded")
}

func TestSessionCancel(t *testing.T) {
	config := newTestConfig(t, "stream:\n"+
		"  intervalMs: 100\n"+
		"  audioEnabled: true\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	publisher := &mockPublisher{onPub: func(n int) {
		if n == 2 {
			cancel()
		}
	}}

	dir := t.TempDir()
	s, err := NewSession(config, Deps{
		Video: &video.SyntheticSource{
			TrackID: video.VideoTrackID, Rate: 30, GOP: 30, Paced: true,
		},
		Audio: &video.SyntheticSource{
			TrackID: video.AudioTrackID, Rate: 50, Paced: true,
		},
		Publisher: publisher,
		Logger:    log.NewMockLogger(),
		OutputDir: dir,
		TempDir:   t.TempDir(),
	})
	require.NoError(t, err)

	done := make(chan error)
	go func() { done <- s.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("session didn't stop")
	}

	require.Equal(t, []string{"video0.webm", "video1.webm"}, publisher.published()[:2])
	for _, name := range []string{"audio_init.webm", "audio0.webm", "audio1.webm"} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}
	manifest, err := os.ReadFile(filepath.Join(dir, dash.ManifestName))
	require.NoError(t, err)
	require.Contains(t, string(manifest), `media="audio$Number$.webm"`)
}

type stubSink struct {
	clock    *fakeClock
	elapsed  []time.Duration
	n        int
	onFinish func()
}

func (*stubSink) start() error                 { return nil }
func (*stubSink) write(video.AccessUnit) error { return nil }
func (*stubSink) close() error                 { return nil }

func (s *stubSink) rollover() (string, error) {
	if s.n < len(s.elapsed) {
		s.clock.advance(s.elapsed[s.n])
	}
	s.n++
	if s.n == len(s.elapsed) {
		s.onFinish()
	}
	return storage.FileName("seg", s.n-1, ""), nil
}

func TestRolloverLoopDrift(t *testing.T) {
	clock := newFakeClock(t)
	var waits []time.Duration
	after := func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		ch := make(chan time.Time, 1)
		if len(waits) <= 3 {
			clock.advance(d)
			ch <- clock.Now()
		}
		return ch
	}

	statusCalled := false
	publisher := &mockPublisher{}
	s, err := NewSession(newTestConfig(t, "stream:\n  intervalMs: 3000\n"), Deps{
		Video:     &video.SyntheticSource{},
		Publisher: publisher,
		Logger:    log.NewMockLogger(),
		Status: func() system.Status {
			statusCalled = true
			return system.Status{CPUUsage: 90}
		},
		Now:   clock.Now,
		After: after,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &stubSink{
		clock:    clock,
		elapsed:  []time.Duration{2 * time.Second, 4 * time.Second, 0},
		onFinish: cancel,
	}
	err = s.rolloverLoop(ctx, out)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, []string{"seg0", "seg1", "seg2"}, publisher.published())
	require.Equal(t, []time.Duration{
		3 * time.Second,
		1 * time.Second,
		0,
		3 * time.Second,
	}, waits)
	require.True(t, statusCalled, "overrun should include system status")
}

func TestRolloverLoopLateTimer(t *testing.T) {
	clock := newFakeClock(t)
	var waits []time.Duration
	after := func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		ch := make(chan time.Time, 1)
		if len(waits) <= 3 {
			clock.advance(d + 500*time.Millisecond)
			ch <- clock.Now()
		}
		return ch
	}

	s, err := NewSession(newTestConfig(t, "stream:\n  intervalMs: 3000\n"), Deps{
		Video:     &video.SyntheticSource{},
		Publisher: &mockPublisher{},
		Logger:    log.NewMockLogger(),
		Now:       clock.Now,
		After:     after,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &stubSink{
		clock:    clock,
		elapsed:  []time.Duration{0, 0, 0},
		onFinish: cancel,
	}
	err = s.rolloverLoop(ctx, out)
	require.ErrorIs(t, err, context.Canceled)

	// Each late timer is absorbed by the following wait.
	require.Equal(t, []time.Duration{
		3 * time.Second,
		2500 * time.Millisecond,
		2500 * time.Millisecond,
		2500 * time.Millisecond,
	}, waits)
}

func TestMP4SinkDrop(t *testing.T) {
	config := newTestConfig(t, "stream:\n  mode: notification\n  video:\n    codecPrivate: \"00\"\n")
	s, err := NewSession(config, Deps{
		Video:     &video.SyntheticSource{},
		Logger:    log.NewMockLogger(),
		OutputDir: t.TempDir(),
		TempDir:   t.TempDir(),
	})
	require.NoError(t, err)

	out := newMP4Sink(s, nil)
	require.NoError(t, out.writer.RegisterTrack(s.video))
	require.Equal(t, mp4muxer.StateConfigured, out.writer.State())

	// Not started, the sample is dropped.
	require.NoError(t, out.write(video.AccessUnit{TrackID: video.VideoTrackID}))

	require.NoError(t, out.close())
	err = out.write(video.AccessUnit{TrackID: video.VideoTrackID})
	require.ErrorIs(t, err, mp4muxer.ErrNotWritable)
}

func TestNewSessionErrors(t *testing.T) {
	t.Run("noVideo", func(t *testing.T) {
		_, err := NewSession(newTestConfig(t, ""), Deps{})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})
	t.Run("noAudio", func(t *testing.T) {
		config := newTestConfig(t, "stream:\n  audioEnabled: true\n")
		_, err := NewSession(config, Deps{Video: &video.SyntheticSource{}})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})
	t.Run("invalidConfig", func(t *testing.T) {
		_, err := NewSession(Config{}, Deps{Video: &video.SyntheticSource{}})
		require.Error(t, err)
	})
}
