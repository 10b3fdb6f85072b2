package jobs

import (
	"fmt"
	"strings"
)

// Stage is a job's position in the pipeline state machine.
type Stage string

const (
	StageSubmitted          Stage = "submitted"
	StageCategorizing       Stage = "categorizing"
	StageCategorized        Stage = "categorized"
	StageMetadataExtracting Stage = "metadata_extracting"
	StageMetadataExtracted  Stage = "metadata_extracted"
	StageStaging            Stage = "staging"
	StageStaged             Stage = "staged"
	StageSplitting          Stage = "splitting"
	StageSplit              Stage = "split"
	StageRecombining        Stage = "recombining"
	StageRecombined         Stage = "recombined"
	StageOrganizing         Stage = "organizing"
	StageComplete           Stage = "complete"
	StageFailed             Stage = "failed"
	StageCanceled           Stage = "canceled"
)

// successor maps each non-terminal stage to the single stage it may advance
// to. Terminal stages have no entry.
var successor = map[Stage]Stage{
	StageSubmitted:          StageCategorizing,
	StageCategorizing:       StageCategorized,
	StageCategorized:        StageMetadataExtracting,
	StageMetadataExtracting: StageMetadataExtracted,
	StageMetadataExtracted:  StageStaging,
	StageStaging:            StageStaged,
	StageStaged:             StageSplitting,
	StageSplitting:          StageSplit,
	StageSplit:              StageRecombining,
	StageRecombining:        StageRecombined,
	StageRecombined:         StageOrganizing,
	StageOrganizing:         StageComplete,
}

// stageOrder lists every stage in pipeline order, terminals last. Stats and
// validation iterate this so output ordering stays stable.
var stageOrder = []Stage{
	StageSubmitted,
	StageCategorizing,
	StageCategorized,
	StageMetadataExtracting,
	StageMetadataExtracted,
	StageStaging,
	StageStaged,
	StageSplitting,
	StageSplit,
	StageRecombining,
	StageRecombined,
	StageOrganizing,
	StageComplete,
	StageFailed,
	StageCanceled,
}

func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

func (s Stage) String() string { return string(s) }

func (s Stage) Valid() bool {
	if _, ok := successor[s]; ok {
		return true
	}
	return s == StageComplete || s == StageFailed || s == StageCanceled
}

func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed || s == StageCanceled
}

// Next returns the forward successor of s, or false for terminal stages.
func (s Stage) Next() (Stage, bool) {
	n, ok := successor[s]
	return n, ok
}

// CanTransitionTo reports whether target is in the legal successor set of s:
// the immediate forward successor, or failed/canceled from any non-terminal
// stage. Retry and re-cancel have their own paths and are not expressed here.
func (s Stage) CanTransitionTo(target Stage) bool {
	if s.Terminal() || !target.Valid() {
		return false
	}
	if target == StageFailed || target == StageCanceled {
		return true
	}
	n, ok := successor[s]
	return ok && n == target
}

// ParseStage validates a caller-supplied stage name.
func ParseStage(raw string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", NewError(CodeBadRequest, "ParseStage", fmt.Sprintf("unknown stage %q", raw), nil)
	}
	return s, nil
}

// ParseStages parses a comma-separated stage list (used by list filters).
func ParseStages(raw string) ([]Stage, error) {
	parts := strings.Split(raw, ",")
	out := make([]Stage, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		s, err := ParseStage(p)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
