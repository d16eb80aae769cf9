package orchestrator

import (
	"strings"
	"testing"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"hls-segmenter/internal/segment"
)

func testSegments(t *testing.T, first int, durations ...time.Duration) []*segment.Segment {
	t.Helper()
	segs := make([]*segment.Segment, 0, len(durations))
	for i, d := range durations {
		seg, err := segment.New("cam", first+i, segment.Options{})
		if err != nil {
			t.Fatalf("segment.New: %v", err)
		}
		seg.SetDuration(d)
		segs = append(segs, seg)
	}
	return segs
}

func parseMedia(t *testing.T, m3u8 string) *playlist.Media {
	t.Helper()
	pl, err := playlist.Unmarshal([]byte(m3u8))
	if err != nil {
		t.Fatalf("playlist.Unmarshal: %v\n%s", err, m3u8)
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		t.Fatalf("expected media playlist, got %T", pl)
	}
	return media
}

func TestBuildLivePlaylist_empty(t *testing.T) {
	out := BuildLivePlaylist(nil, 4*time.Second)
	if !strings.HasPrefix(out, "#EXTM3U\n") {
		t.Error("expected #EXTM3U header")
	}
	if !strings.Contains(out, "#EXT-X-VERSION:3") {
		t.Error("expected version 3")
	}
	if !strings.Contains(out, "#EXT-X-TARGETDURATION:4") {
		t.Errorf("expected target duration 4 for empty: %s", out)
	}
	if !strings.Contains(out, "#EXT-X-MEDIA-SEQUENCE:0") {
		t.Error("expected media sequence 0")
	}
	if strings.Contains(out, "#EXT-X-ENDLIST") {
		t.Error("should not contain ENDLIST without a last segment")
	}
}

func TestBuildLivePlaylist_with_segments(t *testing.T) {
	segs := testSegments(t, 38, 4*time.Second, 3500*time.Millisecond)
	out := BuildLivePlaylist(segs, 4*time.Second)

	if !strings.Contains(out, "#EXT-X-MEDIA-SEQUENCE:38\n") {
		t.Errorf("expected media sequence 38: %s", out)
	}
	if !strings.Contains(out, "#EXTINF:4.0,\nsegments/38.ts\n") {
		t.Errorf("expected segment 38 entry: %s", out)
	}
	if !strings.Contains(out, "#EXTINF:3.5,\nsegments/39.ts\n") {
		t.Errorf("expected segment 39 entry: %s", out)
	}

	media := parseMedia(t, out)
	if media.MediaSequence != 38 {
		t.Errorf("MediaSequence = %d, want 38", media.MediaSequence)
	}
	if media.TargetDuration != 4 {
		t.Errorf("TargetDuration = %d, want 4", media.TargetDuration)
	}
	if len(media.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(media.Segments))
	}
	if media.Segments[1].URI != "segments/39.ts" {
		t.Errorf("URI = %q", media.Segments[1].URI)
	}
	if media.Endlist {
		t.Error("live playlist should not be ended")
	}
}

func TestBuildLivePlaylist_target_covers_longest_segment(t *testing.T) {
	segs := testSegments(t, 0, 2*time.Second, 5200*time.Millisecond)
	out := BuildLivePlaylist(segs, 4*time.Second)

	if !strings.Contains(out, "#EXT-X-TARGETDURATION:6\n") {
		t.Errorf("target duration should be raised to 6: %s", out)
	}
	parseMedia(t, out)
}

func TestBuildLivePlaylist_stops_at_last_segment(t *testing.T) {
	segs := testSegments(t, 3, time.Second, time.Second, time.Second)
	segs[1].SetLast(true)
	out := BuildLivePlaylist(segs, time.Second)

	if !strings.HasSuffix(out, "segments/4.ts\n#EXT-X-ENDLIST\n") {
		t.Errorf("expected ENDLIST right after the last segment: %s", out)
	}
	if strings.Contains(out, "segments/5.ts") {
		t.Errorf("segments after the last one must not be listed: %s", out)
	}

	media := parseMedia(t, out)
	if !media.Endlist {
		t.Error("expected Endlist")
	}
	if len(media.Segments) != 2 {
		t.Errorf("expected 2 segments, got %d", len(media.Segments))
	}
}

func TestTargetDuration(t *testing.T) {
	cases := []struct {
		name      string
		durations []time.Duration
		limit     time.Duration
		want      int
	}{
		{"limit only", nil, 4 * time.Second, 4},
		{"fractional limit rounds up", nil, 2500 * time.Millisecond, 3},
		{"zero limit", nil, 0, 1},
		{"shorter segments", []time.Duration{time.Second}, 4 * time.Second, 4},
		{"longer segment", []time.Duration{4100 * time.Millisecond}, 4 * time.Second, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := targetDuration(testSegments(t, 0, tc.durations...), tc.limit)
			if got != tc.want {
				t.Errorf("targetDuration = %d, want %d", got, tc.want)
			}
		})
	}
}
