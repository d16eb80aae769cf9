package orchestrator

import (
	"fmt"
	"math"
	"strings"
	"time"

	"hls-segmenter/internal/segment"
)

// BuildLivePlaylist renders an HLS media playlist for segments (ordered by
// index ascending). Target duration starts at the segment time limit and is
// raised to cover the longest segment. Rendering stops at the first segment
// marked last, followed by #EXT-X-ENDLIST.
func BuildLivePlaylist(segments []*segment.Segment, timeLimit time.Duration) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if len(segments) == 0 {
		b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration(nil, timeLimit)))
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		return b.String()
	}

	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration(segments, timeLimit)))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n\n", segments[0].Index()))

	for _, seg := range segments {
		b.WriteString(fmt.Sprintf("#EXTINF:%.1f,\n", seg.Duration().Seconds()))
		b.WriteString(fmt.Sprintf("segments/%d.ts\n", seg.Index()))
		if seg.IsLast() {
			b.WriteString("#EXT-X-ENDLIST\n")
			break
		}
	}

	return b.String()
}

// targetDuration returns the #EXT-X-TARGETDURATION value in whole seconds.
func targetDuration(segments []*segment.Segment, timeLimit time.Duration) int {
	longest := timeLimit.Seconds()
	for _, seg := range segments {
		if d := seg.Duration().Seconds(); d > longest {
			longest = d
		}
	}
	if longest <= 0 {
		return 1
	}
	return int(math.Ceil(longest))
}
