package state

import "fmt"

// Stage is a step of a drafting run.
type Stage int

const (
	StageNone Stage = iota
	StageIngestion
	StageRetrieval
	StageDrafting
	StageCitation
	StageCritique
	StageAssembly
)

// RequiredStages are the stages every orchestrator must have a handler for.
// StageCitation is optional.
var RequiredStages = []Stage{
	StageIngestion,
	StageRetrieval,
	StageDrafting,
	StageCritique,
	StageAssembly,
}

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageIngestion:
		return "ingestion"
	case StageRetrieval:
		return "retrieval"
	case StageDrafting:
		return "drafting"
	case StageCitation:
		return "citation"
	case StageCritique:
		return "critique"
	case StageAssembly:
		return "assembly"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Collaborator names the agent role that serves a stage.
func (s Stage) Collaborator() string {
	switch s {
	case StageIngestion:
		return "IngestionPipeline"
	case StageRetrieval:
		return "Librarian"
	case StageDrafting:
		return "Drafter"
	case StageCitation:
		return "Citation"
	case StageCritique:
		return "Critic"
	case StageAssembly:
		return "Assembler"
	default:
		return "Orchestrator"
	}
}

// MarshalText renders the stage by name in JSON and YAML.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStage is the inverse of String for every named stage.
func ParseStage(name string) (Stage, error) {
	for s := StageIngestion; s <= StageAssembly; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return StageNone, fmt.Errorf("unknown stage %q", name)
}
