package orchestrator

// Stats 聚合了工作流状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Created         int   `json:"created"`
	Running         int   `json:"running"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	Steps           int   `json:"steps"`
	FailedSteps     int   `json:"failed_steps"`
	OldestCreatedAt int64 `json:"oldest_created_at,omitempty"`
	NewestCreatedAt int64 `json:"newest_created_at,omitempty"`
}

func (s *Stats) add(wf *Workflow) {
	s.Total++
	switch wf.Status {
	case StatusCreated:
		s.Created++
	case StatusRunning:
		s.Running++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	}
	s.Steps += len(wf.Steps)
	for _, step := range wf.Steps {
		if step.Status == StepFailed {
			s.FailedSteps++
		}
	}
	created := wf.CreatedAt.Unix()
	if created > s.NewestCreatedAt {
		s.NewestCreatedAt = created
	}
	if s.OldestCreatedAt == 0 || created < s.OldestCreatedAt {
		s.OldestCreatedAt = created
	}
}
