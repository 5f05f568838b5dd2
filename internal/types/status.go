package types

import "strings"

// LineageStatus is the pipeline status shared by search cache and lineage rows
type LineageStatus string

const (
	StatusPendingMakeParentLineage    LineageStatus = "PENDING_MAKE_PARENT_LINEAGE"
	StatusReInquiry                   LineageStatus = "RE_INQUIRY"
	StatusInProgressMakeParentLineage LineageStatus = "IN_PROGRESS_MAKE_PARENT_LINEAGE"

	StatusPendingHorizonAPIDatasets    LineageStatus = "PENDING_HORIZON_API_DATASETS"
	StatusInProgressHorizonAPIDatasets LineageStatus = "IN_PROGRESS_HORIZON_API_DATASETS"
	StatusDoneHorizonAPIDatasets       LineageStatus = "DONE_HORIZON_API_DATASETS"

	StatusInProgressUpdatingFromRawData LineageStatus = "IN_PROGRESS_UPDATING_FROM_RAW_DATA"
	StatusDoneUpdatingFromRawData       LineageStatus = "DONE_UPDATING_FROM_RAW_DATA"

	StatusInProgressUpdatingFromOperations LineageStatus = "IN_PROGRESS_UPDATING_FROM_OPERATIONS_RAW_DATA"
	StatusDoneUpdatingFromOperations       LineageStatus = "DONE_UPDATING_FROM_OPERATIONS_RAW_DATA"

	StatusInProgressUpdatingFlags LineageStatus = "IN_PROGRESS_UPDATING_HORIZON_ACCOUNTS_FLAGS_DOC_API_HREF"
	StatusDoneUpdatingFlags       LineageStatus = "DONE_UPDATING_HORIZON_ACCOUNTS_FLAGS_DOC_API_HREF"

	StatusInProgressUpdatingFromDirectory LineageStatus = "IN_PROGRESS_UPDATING_FROM_DIRECTORY"
	StatusDoneUpdatingFromDirectory       LineageStatus = "DONE_UPDATING_FROM_DIRECTORY"

	StatusInProgressExtractingCreator LineageStatus = "IN_PROGRESS_EXTRACTING_CREATOR"
	StatusDoneExtractingCreator       LineageStatus = "DONE_EXTRACTING_CREATOR"

	StatusInProgressMakeGrandparentLineage LineageStatus = "IN_PROGRESS_MAKE_GRANDPARENT_LINEAGE"
	StatusDoneMakeParentLineage            LineageStatus = "DONE_MAKE_PARENT_LINEAGE"
	StatusDoneMakeGrandparentLineage       LineageStatus = "DONE_MAKE_GRANDPARENT_LINEAGE"

	StatusFailed LineageStatus = "FAILED"
)

const invalidPrefix = "INVALID_"

// Well-known invalid reasons
const (
	InvalidReasonHorizonAddress = "HORIZON_STELLAR_ADDRESS"
	InvalidReasonAccountData    = "HORIZON_ACCOUNT_DATA"
	InvalidReasonOperationsData = "HORIZON_OPERATIONS_DATA"
	InvalidReasonCreatorAddress = "CREATOR_ADDRESS"
)

// statusRank orders every non-terminal status along the pipeline. Statuses
// sharing a rank are alternatives at the same point (e.g. the two final DONE
// variants).
var statusRank = map[LineageStatus]int{
	StatusPendingMakeParentLineage:         0,
	StatusReInquiry:                        0,
	StatusInProgressMakeParentLineage:      1,
	StatusPendingHorizonAPIDatasets:        2,
	StatusInProgressHorizonAPIDatasets:     3,
	StatusDoneHorizonAPIDatasets:           4,
	StatusInProgressUpdatingFromRawData:    5,
	StatusDoneUpdatingFromRawData:          6,
	StatusInProgressUpdatingFromOperations: 7,
	StatusDoneUpdatingFromOperations:       8,
	StatusInProgressUpdatingFlags:          9,
	StatusDoneUpdatingFlags:                10,
	StatusInProgressUpdatingFromDirectory:  11,
	StatusDoneUpdatingFromDirectory:        12,
	StatusInProgressExtractingCreator:      13,
	StatusDoneExtractingCreator:            14,
	StatusInProgressMakeGrandparentLineage: 15,
	StatusDoneMakeParentLineage:            16,
	StatusDoneMakeGrandparentLineage:       16,
}

// terminalRank sits above every pipeline status
const terminalRank = 100

// InvalidStatus builds the terminal INVALID_<reason> status
func InvalidStatus(reason string) LineageStatus {
	reason = strings.ToUpper(strings.TrimSpace(reason))
	if reason == "" {
		reason = "UNKNOWN"
	}
	return LineageStatus(invalidPrefix + reason)
}

// IsInvalid reports whether s is an INVALID_<reason> status
func (s LineageStatus) IsInvalid() bool {
	return strings.HasPrefix(string(s), invalidPrefix)
}

// InvalidReason returns the reason suffix of an INVALID_<reason> status
func (s LineageStatus) InvalidReason() string {
	if !s.IsInvalid() {
		return ""
	}
	return strings.TrimPrefix(string(s), invalidPrefix)
}

// IsTerminal reports whether s is excluded from all further processing
func (s LineageStatus) IsTerminal() bool {
	return s == StatusFailed || s.IsInvalid()
}

// IsKnown reports whether s is part of the status machine
func (s LineageStatus) IsKnown() bool {
	if s.IsTerminal() {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// IsPending reports whether s is a PENDING_* status
func (s LineageStatus) IsPending() bool {
	return strings.HasPrefix(string(s), "PENDING_")
}

// IsInProgress reports whether s is an IN_PROGRESS_* (claimed) status
func (s LineageStatus) IsInProgress() bool {
	return strings.HasPrefix(string(s), "IN_PROGRESS_")
}

// IsStuckEligible reports whether a record in s can be picked up by stuck
// record recovery. Terminal statuses never are.
func (s LineageStatus) IsStuckEligible() bool {
	if s.IsTerminal() || !s.IsKnown() {
		return false
	}
	return s.IsPending() || s.IsInProgress()
}

// IsFinalDone reports whether s is one of the two end-of-pipeline statuses
func (s LineageStatus) IsFinalDone() bool {
	return s == StatusDoneMakeParentLineage || s == StatusDoneMakeGrandparentLineage
}

// IsSettled reports whether a record in s will not change without an
// explicit re-inquiry or requeue
func (s LineageStatus) IsSettled() bool {
	return s.IsFinalDone() || s.IsTerminal()
}

// Rank returns the position of s in the pipeline; terminal statuses rank
// above everything and unknown statuses return -1
func (s LineageStatus) Rank() int {
	if s.IsTerminal() {
		return terminalRank
	}
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// CanTransition reports whether moving from -> to is a forward move along
// the status machine. Recovery resets and manual requeues bypass this check
// explicitly.
func CanTransition(from, to LineageStatus) bool {
	if !from.IsKnown() || !to.IsKnown() {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	if to.IsTerminal() {
		return true
	}
	if from.IsFinalDone() {
		// settled rows only move again through RE_INQUIRY
		return to == StatusReInquiry
	}
	return to.Rank() > from.Rank()
}

// StuckEligibleStatuses lists every status recovery inspects
func StuckEligibleStatuses() []LineageStatus {
	out := make([]LineageStatus, 0, len(statusRank))
	for _, s := range AllStatuses() {
		if s.IsStuckEligible() {
			out = append(out, s)
		}
	}
	return out
}

// AllStatuses lists every non-terminal status in pipeline order
func AllStatuses() []LineageStatus {
	return []LineageStatus{
		StatusPendingMakeParentLineage,
		StatusReInquiry,
		StatusInProgressMakeParentLineage,
		StatusPendingHorizonAPIDatasets,
		StatusInProgressHorizonAPIDatasets,
		StatusDoneHorizonAPIDatasets,
		StatusInProgressUpdatingFromRawData,
		StatusDoneUpdatingFromRawData,
		StatusInProgressUpdatingFromOperations,
		StatusDoneUpdatingFromOperations,
		StatusInProgressUpdatingFlags,
		StatusDoneUpdatingFlags,
		StatusInProgressUpdatingFromDirectory,
		StatusDoneUpdatingFromDirectory,
		StatusInProgressExtractingCreator,
		StatusDoneExtractingCreator,
		StatusInProgressMakeGrandparentLineage,
		StatusDoneMakeParentLineage,
		StatusDoneMakeGrandparentLineage,
	}
}

// ResetTarget returns the status a stuck record is returned to so the stage
// that owns it picks it up again. PENDING statuses reset to themselves; an
// IN_PROGRESS status resets to the input status of its stage.
func ResetTarget(s LineageStatus) (LineageStatus, bool) {
	if !s.IsStuckEligible() {
		return "", false
	}
	if s.IsPending() {
		return s, true
	}
	stage, ok := StageForInProgress(s)
	if !ok {
		return "", false
	}
	return stage.Inputs[0], true
}
