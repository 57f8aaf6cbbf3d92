package bus

import "encoding/json"

// WireEvent is the JSON shape of an event crossing a process boundary, used
// by the relay, the ingest endpoint and the WebSocket feed.
type WireEvent struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload reconstructs the typed payload for a topic from its JSON
// form. Unknown topics come back as a generic map so they still render.
func DecodePayload(topic string, raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var dst any
	switch topic {
	case TopicTaskQueued, TopicTaskStarted, TopicTaskSkipped:
		dst = &TaskQueuedEvent{}
	case TopicTaskAttempt:
		dst = &TaskAttemptEvent{}
	case TopicTaskCompleted, TopicTaskFailed:
		dst = &TaskDoneEvent{}
	case TopicWorkerExited, TopicWorkerStarted:
		dst = &WorkerExitEvent{}
	case TopicWorkerRegistered:
		dst = &WorkerRegisteredEvent{}
	case TopicDispatchCompleted, TopicDispatchFailed:
		dst = &DispatchEvent{}
	default:
		var generic map[string]any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return string(raw)
		}
		return generic
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return string(raw)
	}
	switch v := dst.(type) {
	case *TaskQueuedEvent:
		return *v
	case *TaskAttemptEvent:
		return *v
	case *TaskDoneEvent:
		return *v
	case *WorkerExitEvent:
		return *v
	case *WorkerRegisteredEvent:
		return *v
	case *DispatchEvent:
		return *v
	}
	return dst
}
