package learning

// Stage is the lifecycle label of a learned pattern.
type Stage string

const (
	StageEmerging          Stage = "emerging"
	StageEstablished       Stage = "established"
	StageFading            Stage = "fading"
	StageSuspiciousPerfect Stage = "suspicious_perfect"
)

const (
	establishedOccurrences = 5
	establishedConfidence  = 0.6
	fadingDecay            = 0.5
)

// StageInput is what a transition looks at.
type StageInput struct {
	Confidence  float64
	Occurrences int64
	Perfection  *PerfectionAnalysis
	// Decay is the current decay coefficient; 1 means not decayed.
	Decay float64
	// Fresh is set when the pattern received evidence in this run.
	Fresh bool
}

// NextStage is the stage transition function. suspicious_perfect is
// terminal; a pattern never leaves it on its own.
func NextStage(current Stage, in StageInput) Stage {
	switch {
	case current == StageSuspiciousPerfect:
		return StageSuspiciousPerfect
	case in.Perfection != nil && in.Perfection.Suspicion == SuspicionHigh:
		return StageSuspiciousPerfect
	case !in.Fresh && in.Decay < fadingDecay:
		return StageFading
	case in.Confidence >= establishedConfidence && in.Occurrences >= establishedOccurrences:
		return StageEstablished
	case in.Fresh && in.Occurrences >= establishedOccurrences:
		return StageEstablished
	case in.Fresh:
		return StageEmerging
	case current == "":
		return StageEmerging
	}
	return current
}
