package bus

import (
	"encoding/json"
	"testing"
)

func TestDecodePayload_KnownTopics(t *testing.T) {
	raw := json.RawMessage(`{"task_id":"Task-ab12","status":"Success","attempts":2}`)
	got, ok := DecodePayload(TopicTaskCompleted, raw).(TaskDoneEvent)
	if !ok {
		t.Fatalf("decoded type = %T", DecodePayload(TopicTaskCompleted, raw))
	}
	if got.TaskID != "Task-ab12" || got.Status != "Success" || got.Attempts != 2 {
		t.Fatalf("decoded = %+v", got)
	}

	raw = json.RawMessage(`{"name":"translator","code":137}`)
	exit, ok := DecodePayload(TopicWorkerExited, raw).(WorkerExitEvent)
	if !ok || exit.Name != "translator" || exit.Code != 137 {
		t.Fatalf("decoded = %+v", exit)
	}
}

func TestDecodePayload_UnknownTopicFallsBack(t *testing.T) {
	raw := json.RawMessage(`{"what":"ever"}`)
	m, ok := DecodePayload("custom.topic", raw).(map[string]any)
	if !ok || m["what"] != "ever" {
		t.Fatalf("decoded = %#v", DecodePayload("custom.topic", raw))
	}
	if got := DecodePayload(TopicTaskQueued, nil); got != nil {
		t.Fatalf("empty payload decoded to %#v", got)
	}
}
