package membroker

import (
	"encoding/json"

	"github.com/eclaire-labs/jobqueue"
)

// Reserved payload keys. The broker's native model carries only an opaque
// payload, so the driver smuggles the richer job fields under these keys.
// User data lives under payloadData as a raw JSON string.
const (
	payloadData     = "__data"
	payloadKey      = "__key"
	payloadStages   = "__stages"
	payloadCurrent  = "__currentStage"
	payloadProgress = "__overallProgress"
	payloadMetadata = "__metadata"
)

func payloadString(p map[string]interface{}, key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

func payloadInt(p map[string]interface{}, key string) int {
	if p == nil {
		return 0
	}
	switch v := p[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func decodeStages(p map[string]interface{}) []jobqueue.Stage {
	raw := payloadString(p, payloadStages)
	if raw == "" {
		return nil
	}
	var stages []jobqueue.Stage
	if err := json.Unmarshal([]byte(raw), &stages); err != nil {
		return nil
	}
	return stages
}

func encodeStages(p map[string]interface{}, stages []jobqueue.Stage) {
	if len(stages) == 0 {
		delete(p, payloadStages)
		return
	}
	raw, err := json.Marshal(stages)
	if err != nil {
		return
	}
	p[payloadStages] = string(raw)
}

func decodeMetadata(p map[string]interface{}) map[string]interface{} {
	raw := payloadString(p, payloadMetadata)
	if raw == "" {
		return nil
	}
	var md map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return nil
	}
	return md
}

// translateState maps a native broker state onto the shared status set.
// A queued job that has been attempted is awaiting a retry.
func translateState(state string, attempts int) string {
	switch state {
	case StateActive:
		return jobqueue.Processing
	case StateCompleted:
		return jobqueue.Completed
	case StateFailed:
		return jobqueue.Failed
	default:
		if attempts > 0 {
			return jobqueue.RetryPending
		}
		return jobqueue.Pending
	}
}

// translate converts a native broker job into the shared job view.
func translate(bj *Job) *jobqueue.Job {
	job := &jobqueue.Job{
		ID:              bj.ID,
		Queue:           bj.Topic,
		Key:             payloadString(bj.Payload, payloadKey),
		Status:          translateState(bj.State, bj.Attempts),
		Priority:        bj.Priority,
		ScheduledFor:    bj.AvailableAt,
		Attempts:        bj.Attempts,
		MaxAttempts:     bj.MaxAttempts,
		ErrorMessage:    bj.LastError,
		Stages:          decodeStages(bj.Payload),
		CurrentStage:    payloadString(bj.Payload, payloadCurrent),
		OverallProgress: payloadInt(bj.Payload, payloadProgress),
		Metadata:        decodeMetadata(bj.Payload),
		Created:         bj.Created,
		Updated:         bj.Updated,
		Completed:       bj.Completed,
	}
	if raw := payloadString(bj.Payload, payloadData); raw != "" {
		job.Data = json.RawMessage(raw)
	}
	if bj.State == StateQueued && bj.Attempts > 0 {
		job.NextRetryAt = bj.AvailableAt
	}
	return job
}
