package pubsub

import (
	"testing"
	"time"
)

func TestDLCLifecycleEvent_Validate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		event   DLCLifecycleEvent
		wantErr bool
	}{
		{
			name: "valid registered",
			event: DLCLifecycleEvent{
				Version:     EventVersion1,
				Action:      ActionRegistered,
				Name:        "distributed-sched",
				BundleVer:   "1.2.0",
				TriggeredBy: "registry",
				Timestamp:   now,
				RequestID:   "req-123",
			},
			wantErr: false,
		},
		{
			name: "valid failed with error",
			event: DLCLifecycleEvent{
				Version:     EventVersion1,
				Action:      ActionFailed,
				Name:        "distributed-sched",
				TriggeredBy: "registry",
				Error:       "dependency unsatisfied",
				Timestamp:   now,
				RequestID:   "req-456",
			},
			wantErr: false,
		},
		{
			name: "invalid version",
			event: DLCLifecycleEvent{
				Version:   999,
				Action:    ActionRegistered,
				Name:      "distributed-sched",
				Timestamp: now,
				RequestID: "req-123",
			},
			wantErr: true,
		},
		{
			name: "missing name",
			event: DLCLifecycleEvent{
				Version:   EventVersion1,
				Action:    ActionRegistered,
				Timestamp: now,
				RequestID: "req-123",
			},
			wantErr: true,
		},
		{
			name: "invalid action",
			event: DLCLifecycleEvent{
				Version:   EventVersion1,
				Action:    "bogus",
				Name:      "distributed-sched",
				Timestamp: now,
				RequestID: "req-123",
			},
			wantErr: true,
		},
		{
			name: "zero timestamp",
			event: DLCLifecycleEvent{
				Version:   EventVersion1,
				Action:    ActionRegistered,
				Name:      "distributed-sched",
				RequestID: "req-123",
			},
			wantErr: true,
		},
		{
			name: "missing request_id",
			event: DLCLifecycleEvent{
				Version:   EventVersion1,
				Action:    ActionRegistered,
				Name:      "distributed-sched",
				Timestamp: now,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDLCLifecycleEvent_JSON(t *testing.T) {
	now := time.Now().Truncate(time.Second)

	event := DLCLifecycleEvent{
		Version:     EventVersion1,
		Action:      ActionReloaded,
		Name:        "distributed-sched",
		BundleVer:   "1.3.0",
		TriggeredBy: "admin",
		Timestamp:   now,
		RequestID:   "req-123",
	}

	data, err := event.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}

	decoded, err := DLCLifecycleEventFromJSON(data)
	if err != nil {
		t.Fatalf("DLCLifecycleEventFromJSON() error = %v", err)
	}

	if decoded.Action != event.Action {
		t.Errorf("Action = %v, want %v", decoded.Action, event.Action)
	}
	if decoded.Name != event.Name {
		t.Errorf("Name = %v, want %v", decoded.Name, event.Name)
	}
	if decoded.BundleVer != event.BundleVer {
		t.Errorf("BundleVer = %v, want %v", decoded.BundleVer, event.BundleVer)
	}
	if !decoded.Timestamp.Equal(event.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", decoded.Timestamp, event.Timestamp)
	}
	if decoded.RequestID != event.RequestID {
		t.Errorf("RequestID = %v, want %v", decoded.RequestID, event.RequestID)
	}
}

func TestConfigReloadEvent_Validate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		event   ConfigReloadEvent
		wantErr bool
	}{
		{
			name: "valid",
			event: ConfigReloadEvent{
				Version:     EventVersion1,
				ChangedKeys: []string{"cache_ttl_seconds", "retry_max_attempts"},
				Source:      "file",
				AppliedAt:   now,
				RequestID:   "req-123",
			},
			wantErr: false,
		},
		{
			name: "invalid version",
			event: ConfigReloadEvent{
				Version:     999,
				ChangedKeys: []string{"cache_ttl_seconds"},
				AppliedAt:   now,
				RequestID:   "req-123",
			},
			wantErr: true,
		},
		{
			name: "empty changed keys",
			event: ConfigReloadEvent{
				Version:     EventVersion1,
				ChangedKeys: []string{},
				AppliedAt:   now,
				RequestID:   "req-123",
			},
			wantErr: true,
		},
		{
			name: "zero applied_at",
			event: ConfigReloadEvent{
				Version:     EventVersion1,
				ChangedKeys: []string{"cache_ttl_seconds"},
				RequestID:   "req-123",
			},
			wantErr: true,
		},
		{
			name: "missing request_id",
			event: ConfigReloadEvent{
				Version:     EventVersion1,
				ChangedKeys: []string{"cache_ttl_seconds"},
				AppliedAt:   now,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigReloadEvent_JSON(t *testing.T) {
	now := time.Now().Truncate(time.Second)

	event := ConfigReloadEvent{
		Version:     EventVersion1,
		ChangedKeys: []string{"retry_max_attempts"},
		Source:      "kv",
		AppliedAt:   now,
		Meta:        map[string]string{"watcher": "consul"},
		RequestID:   "req-456",
	}

	data, err := event.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}

	decoded, err := ConfigReloadEventFromJSON(data)
	if err != nil {
		t.Fatalf("ConfigReloadEventFromJSON() error = %v", err)
	}

	if decoded.Source != event.Source {
		t.Errorf("Source = %v, want %v", decoded.Source, event.Source)
	}
	if len(decoded.ChangedKeys) != len(event.ChangedKeys) {
		t.Errorf("ChangedKeys length = %v, want %v", len(decoded.ChangedKeys), len(event.ChangedKeys))
	}
	if decoded.Meta["watcher"] != event.Meta["watcher"] {
		t.Errorf("Meta[watcher] = %v, want %v", decoded.Meta["watcher"], event.Meta["watcher"])
	}
	if decoded.RequestID != event.RequestID {
		t.Errorf("RequestID = %v, want %v", decoded.RequestID, event.RequestID)
	}
}
