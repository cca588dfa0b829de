package config

import (
	"context"
	"reflect"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Fixture: {
	name:  string
	slots: int & >0
}
`
	if err := sr.RegisterSchema("fixture", "#Fixture", customSchema); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("fixture")
	if !ok {
		t.Fatal("expected to find fixture schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	ctx := context.Background()
	if err := sr.ValidateAgainstSchema(ctx, "fixture", map[string]interface{}{"name": "tray", "slots": 4}); err != nil {
		t.Errorf("expected valid fixture, got %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "fixture", map[string]interface{}{"name": "tray", "slots": 0}); err == nil {
		t.Error("expected error for zero slots")
	}
	if err := sr.ValidateAgainstSchema(ctx, "fixture", map[string]interface{}{"name": "tray", "slots": 1, "color": "red"}); err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestSchemaRegistry_ListSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	if got, want := sr.ListSchemas(), []string{"cell", "device"}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestSchemaRegistry_ValidateDevice(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		device  DeviceConfig
		wantErr bool
	}{
		{
			name:   "local gantry",
			device: DeviceConfig{Name: "gantry", Kind: "gantry", Transport: TransportLocal},
		},
		{
			name:   "transport defaults to local",
			device: DeviceConfig{Name: "gantry", Kind: "gantry"},
		},
		{
			name:   "nats robot",
			device: DeviceConfig{Name: "robot", Kind: "robot", Transport: TransportNATS, Subject: "cell.robot"},
		},
		{
			name:   "stream with command",
			device: DeviceConfig{Name: "robot", Kind: "robot", Transport: TransportStream, Command: []string{"device-emulator"}},
		},
		{
			name: "stream over ssh",
			device: DeviceConfig{
				Name: "robot", Kind: "robot", Transport: TransportStream, Command: []string{"device-emulator"},
				SSH: &SSHConfig{Host: "lab-1", User: "cell", Upload: "bin/device-emulator", RemotePath: "/opt/riskcell/device-emulator"},
			},
		},
		{
			name:    "unknown kind",
			device:  DeviceConfig{Name: "lathe", Kind: "lathe"},
			wantErr: true,
		},
		{
			name:    "upper-case name",
			device:  DeviceConfig{Name: "Gantry", Kind: "gantry"},
			wantErr: true,
		},
		{
			name:    "unknown transport",
			device:  DeviceConfig{Name: "gantry", Kind: "gantry", Transport: "ssh"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateDevice(ctx, tt.device)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDevice() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_ValidateCell(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	cell := DefaultCell("minimal_model", []DeviceConfig{{Name: "gantry", Kind: "gantry"}})
	if err := sr.ValidateCell(ctx, cell); err != nil {
		t.Fatalf("expected valid cell, got %v", err)
	}

	cell.Periods.RunnerMs = -5
	if err := sr.ValidateCell(ctx, cell); err == nil {
		t.Error("expected error for negative period")
	}

	empty := DefaultCell("minimal_model", nil)
	if err := sr.ValidateCell(ctx, empty); err == nil {
		t.Error("expected error for a cell without devices")
	}
}

func TestSchemaRegistry_InvalidSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("broken", "#Broken", `#Broken: { field: string & int`); err == nil {
		t.Error("expected error for malformed schema")
	}
	if err := sr.RegisterSchema("missing", "#Missing", `#Other: {}`); err == nil {
		t.Error("expected error for missing definition")
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "nope", map[string]interface{}{}); err == nil {
		t.Error("expected error for unknown schema")
	}
}
