package pipeline

import "fmt"

// Stage is one ordered phase of a job. Stages run strictly in declaration
// order.
type Stage int

const (
	StageFetching Stage = iota
	StageAnalyzing
	StageSynthesizing
	StageMerging
	StagePublishing
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageFetching, StageAnalyzing, StageSynthesizing, StageMerging, StagePublishing}

// String is also the key of the stage in the profile.
func (s Stage) String() string {
	switch s {
	case StageFetching:
		return "fetching"
	case StageAnalyzing:
		return "analyzing"
	case StageSynthesizing:
		return "synthesizing"
	case StageMerging:
		return "merging"
	case StagePublishing:
		return "publishing"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", s)
}
