package utils

import (
	"testing"
	"time"

	"encore.app/pkg/pubsub"
)

func TestMarshalUnmarshalEvent_DLCLifecycleEvent(t *testing.T) {
	now := time.Now().Truncate(time.Second)

	event := &pubsub.DLCLifecycleEvent{
		Version:     pubsub.EventVersion1,
		Action:      pubsub.ActionRegistered,
		Name:        "math-bundle",
		BundleVer:   "1.2.0",
		TriggeredBy: "operator",
		Timestamp:   now,
		RequestID:   "req-123",
	}

	data, err := MarshalEvent(event)
	if err != nil {
		t.Fatalf("MarshalEvent() error = %v", err)
	}

	var decoded pubsub.DLCLifecycleEvent
	if err := UnmarshalEvent(data, &decoded); err != nil {
		t.Fatalf("UnmarshalEvent() error = %v", err)
	}

	if decoded.Action != event.Action {
		t.Errorf("Action = %v, want %v", decoded.Action, event.Action)
	}
	if decoded.Name != event.Name {
		t.Errorf("Name = %v, want %v", decoded.Name, event.Name)
	}
	if decoded.RequestID != event.RequestID {
		t.Errorf("RequestID = %v, want %v", decoded.RequestID, event.RequestID)
	}
}

func TestMarshalUnmarshalEvent_ConfigReloadEvent(t *testing.T) {
	now := time.Now().Truncate(time.Second)

	event := &pubsub.ConfigReloadEvent{
		Version:     pubsub.EventVersion1,
		ChangedKeys: []string{"cache_max_entries", "cache_ttl"},
		Source:      "file",
		AppliedAt:   now,
		RequestID:   "req-456",
	}

	data, err := MarshalEvent(event)
	if err != nil {
		t.Fatalf("MarshalEvent() error = %v", err)
	}

	var decoded pubsub.ConfigReloadEvent
	if err := UnmarshalEvent(data, &decoded); err != nil {
		t.Fatalf("UnmarshalEvent() error = %v", err)
	}

	if len(decoded.ChangedKeys) != len(event.ChangedKeys) {
		t.Errorf("ChangedKeys length = %v, want %v", len(decoded.ChangedKeys), len(event.ChangedKeys))
	}
	if decoded.Source != event.Source {
		t.Errorf("Source = %v, want %v", decoded.Source, event.Source)
	}
}

func TestMarshalEvent_Nil(t *testing.T) {
	_, err := MarshalEvent(nil)
	if err == nil {
		t.Error("MarshalEvent(nil) should return error")
	}
}

func TestUnmarshalEvent_Nil(t *testing.T) {
	err := UnmarshalEvent([]byte("{}"), nil)
	if err == nil {
		t.Error("UnmarshalEvent() with nil pointer should return error")
	}
}

func TestUnmarshalEvent_Empty(t *testing.T) {
	var event pubsub.DLCLifecycleEvent
	err := UnmarshalEvent([]byte{}, &event)
	if err == nil {
		t.Error("UnmarshalEvent(empty) should return error")
	}
}

func TestMarshalUnmarshalJSON(t *testing.T) {
	data := map[string]interface{}{
		"name":  "test",
		"count": 42,
		"tags":  []string{"tag1", "tag2"},
	}

	encoded, err := MarshalJSON(data)
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}

	var decoded map[string]interface{}
	if err := UnmarshalJSON(encoded, &decoded); err != nil {
		t.Fatalf("UnmarshalJSON() error = %v", err)
	}

	if decoded["name"] != data["name"] {
		t.Errorf("name = %v, want %v", decoded["name"], data["name"])
	}
	if decoded["count"].(float64) != float64(data["count"].(int)) {
		t.Errorf("count = %v, want %v", decoded["count"], data["count"])
	}
}

func TestCompactJSON(t *testing.T) {
	pretty := []byte(`{
  "name": "test",
  "count": 42
}`)

	compacted, err := CompactJSON(pretty)
	if err != nil {
		t.Fatalf("CompactJSON() error = %v", err)
	}

	expected := `{"name":"test","count":42}`
	if string(compacted) != expected {
		t.Errorf("CompactJSON() = %s, want %s", string(compacted), expected)
	}
}

func TestCompactJSON_Invalid(t *testing.T) {
	_, err := CompactJSON([]byte("invalid json"))
	if err == nil {
		t.Error("CompactJSON(invalid) should return error")
	}
}

func TestPrettyJSON(t *testing.T) {
	compact := []byte(`{"name":"test","count":42}`)

	pretty, err := PrettyJSON(compact)
	if err != nil {
		t.Fatalf("PrettyJSON() error = %v", err)
	}

	if len(pretty) <= len(compact) {
		t.Error("PrettyJSON() should produce larger output with formatting")
	}

	var v interface{}
	if err := UnmarshalJSON(pretty, &v); err != nil {
		t.Errorf("PrettyJSON() produced invalid JSON: %v", err)
	}
}

func TestPrettyJSON_Invalid(t *testing.T) {
	_, err := PrettyJSON([]byte("invalid json"))
	if err == nil {
		t.Error("PrettyJSON(invalid) should return error")
	}
}

func TestEstimateEncodedSize(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  int
	}{
		{"empty map", map[string]string{}, 2},
		{"small string", "hello", 7},
		{"number", 42, 2},
		{"array", []int{1, 2, 3}, 7},
		{"nested", map[string]int{"a": 1, "b": 2}, 13},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size := EstimateEncodedSize(tt.value)
			if size < tt.want-2 || size > tt.want+10 {
				t.Errorf("EstimateEncodedSize() = %d, want ~%d", size, tt.want)
			}
		})
	}
}

func TestEstimateEncodedSize_Invalid(t *testing.T) {
	ch := make(chan int)
	size := EstimateEncodedSize(ch)
	if size != 0 {
		t.Errorf("EstimateEncodedSize(unmarshalable) = %d, want 0", size)
	}
}

func BenchmarkMarshalEvent(b *testing.B) {
	event := &pubsub.DLCLifecycleEvent{
		Version:     pubsub.EventVersion1,
		Action:      pubsub.ActionRegistered,
		Name:        "math-bundle",
		TriggeredBy: "operator",
		Timestamp:   time.Now(),
		RequestID:   "req-123",
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		MarshalEvent(event)
	}
}
