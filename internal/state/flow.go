package state

// Decision is the next step of a run. Stage is StageNone when Done.
type Decision struct {
	Stage Stage
	Done  bool
}

// Decide picks the earliest stage whose flag is unset. It depends only on
// the snapshot.
func Decide(s Snapshot) Decision {
	switch {
	case !s.Ingested:
		return Decision{Stage: StageIngestion}
	case !s.Embedded:
		return Decision{Stage: StageRetrieval}
	case !s.Drafted:
		return Decision{Stage: StageDrafting}
	case !s.Validated:
		return Decision{Stage: StageCritique}
	case !s.Completed:
		return Decision{Stage: StageAssembly}
	default:
		return Decision{Done: true}
	}
}
