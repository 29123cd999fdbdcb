package scheduler

import (
	"encoding/json"
	"fmt"

	"agency_portal_backend/internal/bids/service"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const TaskGenerateBidDocuments = "bids.generate_documents"

const TaskGenerateBidEnvelope = "bids.generate_envelope"

func taskTypeFor(kind service.JobKind) (string, error) {
	switch kind {
	case service.JobDocuments:
		return TaskGenerateBidDocuments, nil
	case service.JobEnvelope:
		return TaskGenerateBidEnvelope, nil
	default:
		return "", fmt.Errorf("unknown job kind %q", kind)
	}
}

// NewBidRunTask wraps a begun run in a task of the matching type.
func NewBidRunTask(job service.Job) (*asynq.Task, error) {
	taskType, err := taskTypeFor(job.Kind)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}

func ParseBidRunPayload(task *asynq.Task) (service.Job, error) {
	var job service.Job
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return service.Job{}, err
	}
	taskType, err := taskTypeFor(job.Kind)
	if err != nil {
		return service.Job{}, err
	}
	if taskType != task.Type() {
		return service.Job{}, fmt.Errorf("job kind %q does not match task %s", job.Kind, task.Type())
	}
	if job.ProposalID == uuid.Nil || job.StartedAt.IsZero() {
		return service.Job{}, fmt.Errorf("incomplete bid run payload")
	}
	return job, nil
}
