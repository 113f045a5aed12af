package jobs

import (
	"fmt"
	"net/http"

	"bid-evaluation-service/internal/apperr"
	"bid-evaluation-service/internal/models"
	"bid-evaluation-service/internal/telemetry"
)

var validTransitions = map[models.JobStatus][]models.JobStatus{
	models.StatusQueued: {
		models.StatusRunning,
		models.StatusCancelled,
	},
	models.StatusRunning: {
		models.StatusSucceeded,
		models.StatusFailed,
		models.StatusRetrying,
		models.StatusNeedsManualDecision,
		models.StatusCancelled,
	},
	models.StatusRetrying: {
		models.StatusRunning,
		models.StatusCancelled,
	},
	models.StatusFailed: {
		models.StatusDLQPending,
		models.StatusCancelled,
	},
	models.StatusNeedsManualDecision: {
		models.StatusCancelled,
	},
	models.StatusDLQPending: {
		models.StatusDLQRecorded,
		models.StatusCancelled,
	},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to models.JobStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns WF_STATE_TRANSITION_INVALID for any edge outside the table.
func ValidateTransition(from, to models.JobStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	telemetry.JobTransitionsDenied.Inc()
	return apperr.BusinessRule(apperr.CodeTransitionInvalid, http.StatusConflict,
		fmt.Sprintf("invalid transition: %s -> %s", from, to)).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// apply moves job to status after validation. Entering retrying bumps the retry count.
func apply(job models.Job, to models.JobStatus) (models.Job, error) {
	if err := ValidateTransition(job.Status, to); err != nil {
		return job, err
	}
	if to == models.StatusRetrying {
		job.RetryCount++
	}
	job.Status = to
	return job, nil
}
