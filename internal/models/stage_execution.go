package models

import (
	"time"

	"github.com/stellar-lineage/internal/types"
)

// StageExecutionRecord is the audit row for one stage of one account.
// The latest row per (account, network, stage) is updated in place.
type StageExecutionRecord struct {
	ID             string                `json:"id" db:"id"`
	AccountAddress string                `json:"accountAddress" db:"account_address"`
	Network        types.Network         `json:"network" db:"network"`
	StageNumber    int                   `json:"stageNumber" db:"stage_number"`
	StageName      string                `json:"stageName" db:"stage_name"`
	Status         types.ExecutionStatus `json:"status" db:"status"`
	DurationMs     int64                 `json:"durationMs" db:"duration_ms"`
	ErrorMessage   string                `json:"errorMessage,omitempty" db:"error_message"`
	Attempts       int                   `json:"attempts" db:"attempts"`
	CreatedAt      time.Time             `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time             `json:"updatedAt" db:"updated_at"`
}
