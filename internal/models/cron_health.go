package models

import (
	"time"

	"github.com/stellar-lineage/internal/types"
)

// CronHealthRecord is one append-only health observation for a stage.
// The newest record per stage is authoritative.
type CronHealthRecord struct {
	ID        string             `json:"id" db:"id"`
	StageName string             `json:"stageName" db:"stage_name"`
	Status    types.HealthStatus `json:"status" db:"status"`
	Reason    string             `json:"reason,omitempty" db:"reason"`
	CreatedAt time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time          `json:"updatedAt" db:"updated_at"`
}
