package memory

import "bid-evaluation-service/internal/models"

// clonePayload copies nested maps and slices so callers never share state with the store.
func clonePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, e := range t {
			out[i] = clonePayload(e)
		}
		return out
	default:
		return v
	}
}

func cloneJob(j models.Job) models.Job {
	j.Payload = clonePayload(j.Payload)
	if j.LastError != nil {
		e := *j.LastError
		j.LastError = &e
	}
	return j
}

func cloneEvent(ev models.OutboxEvent) models.OutboxEvent {
	ev.Payload = clonePayload(ev.Payload)
	return ev
}

func cloneCheckpoint(cp models.WorkflowCheckpoint) models.WorkflowCheckpoint {
	cp.Payload = clonePayload(cp.Payload)
	return cp
}

func cloneAudit(e models.AuditEntry) models.AuditEntry {
	e.Payload = clonePayload(e.Payload)
	return e
}

func cloneReport(r models.EvaluationReport) models.EvaluationReport {
	r.Summary = clonePayload(r.Summary)
	return r
}
