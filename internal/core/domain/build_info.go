package domain

import "time"

// BuildInfo records the last successful outcome of a stage.
type BuildInfo struct {
	StageName  string    `json:"stage_name,omitzero"`
	RunID      string    `json:"run_id,omitzero"`
	InputHash  string    `json:"input_hash,omitzero"`
	OutputHash string    `json:"output_hash,omitzero"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
}
