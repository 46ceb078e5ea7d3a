package api

import (
	"github.com/quarkmedia/provisiond/internal/service"
	"github.com/quarkmedia/provisiond/internal/store"
)

// ProvisionRequest is the body of POST /media/provision. Exactly one of
// RecordID and SourceRef must be set; Title is optional and only used when
// a new record is registered on the fly.
type ProvisionRequest struct {
	RecordID  string `json:"record_id,omitempty"`
	SourceRef string `json:"source_ref,omitempty"`
	Title     string `json:"title,omitempty"`
}

// RegisterShareRequest is the body of POST /media/links.
type RegisterShareRequest struct {
	SourceRef string `json:"source_ref" validate:"required"`
	Title     string `json:"title,omitempty"`
}

// SessionUpdateRequest is the body of POST /session/update.
type SessionUpdateRequest struct {
	Credential string `json:"credential" validate:"required"`
}

// TaskResponse is the task status representation returned by the
// provisioning endpoints.
type TaskResponse struct {
	TaskID          string  `json:"task_id"`
	Status          string  `json:"status"`
	Title           string  `json:"title,omitempty"`
	DestinationPath string  `json:"destination_path,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	RetryCount      int     `json:"retry_count"`
	Progress        float64 `json:"progress"`
}

// StatsResponse is the body of GET /tasks/stats.
type StatsResponse struct {
	ByStatus      map[string]int `json:"by_status"`
	QueueSize     int            `json:"queue_size"`
	DeadQueueSize int            `json:"dead_queue_size"`
}

// DeadTaskResponse is one dead-letter entry in GET /tasks/dead.
type DeadTaskResponse struct {
	RecordID  string `json:"record_id"`
	SourceRef string `json:"source_ref"`
	Attempt   int    `json:"attempt"`
}

// ClearDeadResponse is the body of DELETE /tasks/dead.
type ClearDeadResponse struct {
	Dropped int `json:"dropped"`
}

// SessionStatusResponse is the body of the session endpoints.
type SessionStatusResponse struct {
	Valid       bool   `json:"valid"`
	LastChecked string `json:"last_checked,omitempty"`
	NextCheck   string `json:"next_check,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

func taskResponseOf(view *service.TaskView) TaskResponse {
	return TaskResponse{
		TaskID:          view.TaskID.String(),
		Status:          string(view.Status),
		Title:           view.Title,
		DestinationPath: view.DestinationPath,
		ErrorMessage:    view.ErrorMessage,
		RetryCount:      view.RetryCount,
		Progress:        view.Progress,
	}
}

func statsResponseOf(stats *service.QueueStats) StatsResponse {
	byStatus := make(map[string]int, len(stats.ByStatus))
	for status, count := range stats.ByStatus {
		byStatus[string(status)] = count
	}
	return StatsResponse{
		ByStatus:      byStatus,
		QueueSize:     stats.QueueSize,
		DeadQueueSize: stats.DeadQueueSize,
	}
}

func deadTaskResponsesOf(dead []store.TaskPayload) []DeadTaskResponse {
	out := make([]DeadTaskResponse, 0, len(dead))
	for _, payload := range dead {
		out = append(out, DeadTaskResponse{
			RecordID:  payload.RecordID.String(),
			SourceRef: payload.SourceRef,
			Attempt:   payload.Attempt,
		})
	}
	return out
}
