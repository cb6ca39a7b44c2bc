package transcode

import "math"

// AlignTolerance is the largest drift, in seconds, left uncorrected.
const AlignTolerance = 0.5

type AlignMode int

const (
	AlignKeep AlignMode = iota // audio used as is
	AlignPad                   // trailing silence appended
	AlignTrim                  // cut at the video's length
)

func (m AlignMode) String() string {
	switch m {
	case AlignPad:
		return "pad"
	case AlignTrim:
		return "trim"
	default:
		return "keep"
	}
}

// Alignment describes how a speech track is fitted to the video. The video
// duration is the master clock.
type Alignment struct {
	Mode   AlignMode
	Pad    float64 // seconds of silence, AlignPad only
	Target float64 // video duration
}

// PlanAlignment decides how an audio track of audioDur seconds must change to
// last videoDur seconds.
func PlanAlignment(videoDur, audioDur float64) Alignment {
	diff := videoDur - audioDur
	switch {
	case math.Abs(diff) < AlignTolerance:
		return Alignment{Mode: AlignKeep, Target: videoDur}
	case diff > 0:
		return Alignment{Mode: AlignPad, Pad: diff, Target: videoDur}
	default:
		return Alignment{Mode: AlignTrim, Target: videoDur}
	}
}
