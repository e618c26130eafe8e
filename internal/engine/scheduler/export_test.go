package scheduler

import "go.trai.ch/kiln/internal/core/domain"

// GetStageStatusMap returns a copy of the internal stage status map.
// This is exported for testing purposes only.
func (s *Scheduler) GetStageStatusMap() map[string]domain.StageStatus {
	return s.Statuses()
}
