package scan

import "time"

// Completion is published once per job when it reaches a terminal state.
type Completion struct {
	JobID       string        `json:"job_id"`
	TargetURL   string        `json:"target_url"`
	Status      OverallStatus `json:"status"`
	TotalRepos  int           `json:"total_repos"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	ResultURI   string        `json:"result_uri,omitempty"`
	Error       string        `json:"error,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Attributes are the message attributes subscribers filter on.
func (c Completion) Attributes() map[string]string {
	return map[string]string{
		"job_id": c.JobID,
		"status": string(c.Status),
	}
}
