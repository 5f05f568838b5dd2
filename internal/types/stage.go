package types

import "fmt"

// Stage identifies one of the eight lineage pipeline stages
type Stage struct {
	Number     int
	Name       string
	Inputs     []LineageStatus
	InProgress LineageStatus
	Done       LineageStatus
}

// Stage names
const (
	StageMakeParentLineage      = "make_parent_lineage"
	StageHorizonAPIDatasets     = "horizon_api_datasets"
	StageUpdatingFromRawData    = "updating_from_raw_data"
	StageUpdatingFromOperations = "updating_from_operations_raw_data"
	StageUpdatingFlags          = "updating_horizon_accounts_flags"
	StageUpdatingFromDirectory  = "updating_from_directory"
	StageExtractingCreator      = "extracting_creator"
	StageMakeGrandparentLineage = "make_grandparent_lineage"
)

// StageCount is the number of pipeline stages
const StageCount = 8

var stages = []Stage{
	{
		Number:     1,
		Name:       StageMakeParentLineage,
		Inputs:     []LineageStatus{StatusPendingMakeParentLineage, StatusReInquiry},
		InProgress: StatusInProgressMakeParentLineage,
		Done:       StatusDoneMakeParentLineage,
	},
	{
		Number:     2,
		Name:       StageHorizonAPIDatasets,
		Inputs:     []LineageStatus{StatusPendingHorizonAPIDatasets},
		InProgress: StatusInProgressHorizonAPIDatasets,
		Done:       StatusDoneHorizonAPIDatasets,
	},
	{
		Number:     3,
		Name:       StageUpdatingFromRawData,
		Inputs:     []LineageStatus{StatusDoneHorizonAPIDatasets},
		InProgress: StatusInProgressUpdatingFromRawData,
		Done:       StatusDoneUpdatingFromRawData,
	},
	{
		Number:     4,
		Name:       StageUpdatingFromOperations,
		Inputs:     []LineageStatus{StatusDoneUpdatingFromRawData},
		InProgress: StatusInProgressUpdatingFromOperations,
		Done:       StatusDoneUpdatingFromOperations,
	},
	{
		Number:     5,
		Name:       StageUpdatingFlags,
		Inputs:     []LineageStatus{StatusDoneUpdatingFromOperations},
		InProgress: StatusInProgressUpdatingFlags,
		Done:       StatusDoneUpdatingFlags,
	},
	{
		Number:     6,
		Name:       StageUpdatingFromDirectory,
		Inputs:     []LineageStatus{StatusDoneUpdatingFlags},
		InProgress: StatusInProgressUpdatingFromDirectory,
		Done:       StatusDoneUpdatingFromDirectory,
	},
	{
		Number:     7,
		Name:       StageExtractingCreator,
		Inputs:     []LineageStatus{StatusDoneUpdatingFromDirectory},
		InProgress: StatusInProgressExtractingCreator,
		Done:       StatusDoneExtractingCreator,
	},
	{
		// Done depends on depth; see FinalStatusForDepth.
		Number:     8,
		Name:       StageMakeGrandparentLineage,
		Inputs:     []LineageStatus{StatusDoneExtractingCreator},
		InProgress: StatusInProgressMakeGrandparentLineage,
		Done:       StatusDoneMakeGrandparentLineage,
	},
}

// Stages returns the stage table in pipeline order
func Stages() []Stage {
	out := make([]Stage, len(stages))
	copy(out, stages)
	return out
}

// StageByNumber looks up a stage by its 1-based number
func StageByNumber(n int) (Stage, error) {
	if n < 1 || n > len(stages) {
		return Stage{}, fmt.Errorf("invalid stage number: %d", n)
	}
	return stages[n-1], nil
}

// StageByName looks up a stage by name
func StageByName(name string) (Stage, error) {
	for _, s := range stages {
		if s.Name == name {
			return s, nil
		}
	}
	return Stage{}, fmt.Errorf("unknown stage: %q", name)
}

// StageForInProgress returns the stage that owns an IN_PROGRESS status
func StageForInProgress(status LineageStatus) (Stage, bool) {
	for _, s := range stages {
		if s.InProgress == status {
			return s, true
		}
	}
	return Stage{}, false
}

// StageForStatus returns the stage that consumes, claims or produces status.
// PENDING_HORIZON_API_DATASETS is attributed to stage 2.
func StageForStatus(status LineageStatus) (Stage, bool) {
	if st, ok := StageForInProgress(status); ok {
		return st, true
	}
	for _, s := range stages {
		for _, in := range s.Inputs {
			if in == status && in.IsPending() {
				return s, true
			}
		}
	}
	for _, s := range stages {
		if s.Done == status {
			return s, true
		}
	}
	return Stage{}, false
}

// AcceptsInput reports whether the stage consumes records in status
func (s Stage) AcceptsInput(status LineageStatus) bool {
	for _, in := range s.Inputs {
		if in == status {
			return true
		}
	}
	return false
}

// FinalStatusForDepth is the stage 8 output: the root ends in
// DONE_MAKE_PARENT_LINEAGE, ancestors in DONE_MAKE_GRANDPARENT_LINEAGE
func FinalStatusForDepth(depth int) LineageStatus {
	if depth == 0 {
		return StatusDoneMakeParentLineage
	}
	return StatusDoneMakeGrandparentLineage
}

func (s Stage) String() string {
	return fmt.Sprintf("%d:%s", s.Number, s.Name)
}

// ExecutionStatus is the outcome recorded for one stage attempt
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "PENDING"
	ExecutionInProgress ExecutionStatus = "IN_PROGRESS"
	ExecutionDone       ExecutionStatus = "DONE"
	ExecutionFailed     ExecutionStatus = "FAILED"
	ExecutionInvalid    ExecutionStatus = "INVALID"
	ExecutionReset      ExecutionStatus = "RESET"
)
