package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestService(t *testing.T, minReady int) *Service {
	t.Helper()
	return NewService(newTestRegistry(t), minReady, testLogger(), WithPollInterval(5*time.Millisecond))
}

// pushFrames pushes n 50 ms audio frames with contiguous timestamps.
func pushFrames(t *testing.T, svc *Service, id StreamID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := svc.PushAudio(id, pcm(50), time.Duration(i)*50*time.Millisecond); err != nil {
			t.Fatalf("PushAudio: %v", err)
		}
	}
}

func TestNewService_defaultMinReady(t *testing.T) {
	svc := NewService(newTestRegistry(t), 0, nil)
	if svc.minReady != DefaultMinReadySegments {
		t.Errorf("minReady = %d, want %d", svc.minReady, DefaultMinReadySegments)
	}
	if svc.pollInterval != DefaultPollInterval {
		t.Errorf("pollInterval = %v, want %v", svc.pollInterval, DefaultPollInterval)
	}
}

func TestService_PushAudio_errors(t *testing.T) {
	svc := newTestService(t, 1)

	if err := svc.PushAudio("missing", pcm(10), 0); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}

	if err := svc.StartStream("s1"); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := svc.PushAudio("s1", []byte{1, 2, 3}, 0); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("expected ErrInvalidFrame for odd byte count, got %v", err)
	}
	if err := svc.PushVideo("s1", nil, 0); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("expected ErrInvalidFrame for empty access unit, got %v", err)
	}
}

func TestService_PushAudio_after_end(t *testing.T) {
	svc := newTestService(t, 1)
	if err := svc.StartStream("s1"); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	set, _ := svc.Registry().Stream("s1")
	set.Stop()

	if err := svc.PushAudio("s1", pcm(10), 0); !errors.Is(err, ErrStreamEnded) {
		t.Errorf("expected ErrStreamEnded, got %v", err)
	}
}

func TestService_StartStream_twice(t *testing.T) {
	svc := newTestService(t, 1)
	if err := svc.StartStream("s1"); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := svc.StartStream("s1"); !errors.Is(err, ErrStreamExists) {
		t.Errorf("expected ErrStreamExists, got %v", err)
	}
}

func TestService_GetPlaylist_not_found(t *testing.T) {
	svc := newTestService(t, 1)
	if _, err := svc.GetPlaylist(context.Background(), "missing"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestService_GetPlaylist_waits_for_segments(t *testing.T) {
	svc := newTestService(t, 2)
	if err := svc.StartStream("s1"); err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		for i := 0; i < 7; i++ {
			_ = svc.PushAudio("s1", pcm(50), time.Duration(i)*50*time.Millisecond)
		}
	}()

	m3u8, err := svc.GetPlaylist(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetPlaylist: %v", err)
	}
	media := parseMedia(t, m3u8)
	if len(media.Segments) < 2 {
		t.Errorf("expected at least 2 segments once ready, got %d", len(media.Segments))
	}
	if media.MediaSequence != 0 {
		t.Errorf("MediaSequence = %d, want 0", media.MediaSequence)
	}
}

func TestService_GetPlaylist_not_ready(t *testing.T) {
	svc := newTestService(t, 2)
	if err := svc.StartStream("s1"); err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	start := time.Now()
	_, err := svc.GetPlaylist(context.Background(), "s1")
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	// minReady * time limit
	if waited := time.Since(start); waited < 200*time.Millisecond {
		t.Errorf("returned after %v, expected to wait for segments", waited)
	}
}

func TestService_GetPlaylist_partial_after_timeout(t *testing.T) {
	svc := newTestService(t, 3)
	if err := svc.StartStream("s1"); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	pushFrames(t, svc, "s1", 3)

	m3u8, err := svc.GetPlaylist(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetPlaylist: %v", err)
	}
	if n := strings.Count(m3u8, "#EXTINF"); n != 1 {
		t.Errorf("expected the single completed segment, got %d:\n%s", n, m3u8)
	}
}

func TestService_GetPlaylist_context_cancelled(t *testing.T) {
	svc := newTestService(t, 2)
	if err := svc.StartStream("s1"); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.GetPlaylist(ctx, "s1"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestService_GetPlaylist_ended_includes_endlist(t *testing.T) {
	svc := newTestService(t, 2)
	if err := svc.StartStream("s1"); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	pushFrames(t, svc, "s1", 3)
	set, _ := svc.Registry().Stream("s1")
	set.Stop()

	m3u8, err := svc.GetPlaylist(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetPlaylist: %v", err)
	}
	if !strings.HasSuffix(m3u8, "#EXT-X-ENDLIST\n") {
		t.Errorf("ended stream should include #EXT-X-ENDLIST: %s", m3u8)
	}
	if n := strings.Count(m3u8, "#EXTINF"); n != 2 {
		t.Errorf("expected both segments listed, got %d:\n%s", n, m3u8)
	}
}

func TestService_Segment(t *testing.T) {
	svc := newTestService(t, 1)
	if err := svc.StartStream("s1"); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if _, err := svc.CurrentSegment("s1"); !errors.Is(err, ErrSegmentNotFound) {
		t.Errorf("expected ErrSegmentNotFound before the first frame, got %v", err)
	}

	pushFrames(t, svc, "s1", 3)
	set, _ := svc.Registry().Stream("s1")
	set.Stop()

	seg, err := svc.Segment("s1", 0)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if seg.Index() != 0 || !seg.IsClosed() {
		t.Errorf("segment 0: index=%d closed=%v", seg.Index(), seg.IsClosed())
	}
	cur, err := svc.CurrentSegment("s1")
	if err != nil || cur.Index() != 1 {
		t.Errorf("CurrentSegment: %v, %v", cur, err)
	}
	if _, err := svc.Segment("s1", 9); !errors.Is(err, ErrSegmentNotFound) {
		t.Errorf("expected ErrSegmentNotFound, got %v", err)
	}
}

func TestService_Status(t *testing.T) {
	svc := newTestService(t, 1)
	if err := svc.StartStream("s1"); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	pushFrames(t, svc, "s1", 3)
	set, _ := svc.Registry().Stream("s1")
	set.Stop()

	st, err := svc.Status("s1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.ActiveIndex != 1 || st.SegmentCount != 2 || !st.Complete {
		t.Errorf("unexpected status: %+v", st)
	}
	if len(st.Segments) != 2 || !st.Segments[1].Last {
		t.Errorf("unexpected segments: %+v", st.Segments)
	}
}

func TestService_EndStream(t *testing.T) {
	svc := newTestService(t, 1)
	if err := svc.StartStream("s1"); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := svc.EndStream("s1"); err != nil {
		t.Fatalf("EndStream: %v", err)
	}
	if err := svc.EndStream("s1"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestService_Mixer(t *testing.T) {
	svc := newTestService(t, 1)
	if err := svc.StartMixer("room"); err != nil {
		t.Fatalf("StartMixer: %v", err)
	}
	if err := svc.JoinMixer("room", "guest", 1); err != nil {
		t.Fatalf("JoinMixer: %v", err)
	}

	if err := svc.PushMixerAudio("room", "nobody", pcm(10)); !errors.Is(err, ErrTrackNotFound) {
		t.Errorf("expected ErrTrackNotFound, got %v", err)
	}
	if err := svc.PushMixerAudio("nope", "guest", pcm(10)); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound, got %v", err)
	}
	if err := svc.PushMixerAudio("room", "guest", pcm(100)); err != nil {
		t.Fatalf("PushMixerAudio: %v", err)
	}
	if err := svc.SetTrackGain("room", "guest", 0.5); err != nil {
		t.Errorf("SetTrackGain: %v", err)
	}
	if err := svc.SetTrackGain("room", "nobody", 0.5); !errors.Is(err, ErrTrackNotFound) {
		t.Errorf("expected ErrTrackNotFound, got %v", err)
	}

	set, err := svc.Registry().Stream(GroupID("room").StreamID())
	if err != nil {
		t.Fatalf("mix stream: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for set.Segment() == nil {
		if time.Now().After(deadline) {
			t.Fatal("mixed audio never reached the group stream")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := svc.LeaveMixer("room", "guest"); err != nil {
		t.Errorf("LeaveMixer: %v", err)
	}
	if err := svc.StopMixer("room"); err != nil {
		t.Errorf("StopMixer: %v", err)
	}
}

func TestService_PushMixerAudio_backlog(t *testing.T) {
	svc := newTestService(t, 1)
	if err := svc.StartMixer("room"); err != nil {
		t.Fatalf("StartMixer: %v", err)
	}
	// With silence insertion off the mix is bounded by the emptiest track, so
	// an idle second track keeps the mixer from consuming guest's backlog.
	for _, track := range []StreamID{"guest", "idle"} {
		if err := svc.JoinMixer("room", track, 1); err != nil {
			t.Fatalf("JoinMixer: %v", err)
		}
	}

	var err error
	for i := 0; i < 5000 && err == nil; i++ {
		err = svc.PushMixerAudio("room", "guest", pcm(1))
	}
	if !errors.Is(err, ErrPushRejected) {
		t.Errorf("expected ErrPushRejected once the backlog is full, got %v", err)
	}
}
