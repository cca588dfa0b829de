package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writePolicy(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	regoContent := `# Keeps the robot parked while the gantry moves.
# severity: error
package riskcell.test.parked

import rego.v1

deny contains msg if {
	input.plan.state["robot_position_estimated"] != "string_home"
	msg := "robot must be parked"
}`
	policyFile := filepath.Join(t.TempDir(), "robot-parked.rego")
	writePolicy(t, policyFile, regoContent)

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "robot-parked" {
		t.Errorf("Expected name 'robot-parked', got '%s'", policy.Name)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", policy.Severity)
	}
	if policy.Description != "Keeps the robot parked while the gantry moves." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Metadata["source"] != policyFile {
		t.Errorf("Expected source metadata, got %v", policy.Metadata)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policy := Policy{
		Name:        "no-locking",
		Description: "Locking is manual",
		Rego:        "package riskcell.test.lock\n\nimport rego.v1\n\ndeny contains \"locked\" if { false }",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"gantry"},
	}
	data, err := json.Marshal(policy)
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	policyFile := filepath.Join(t.TempDir(), "no-locking.json")
	writePolicy(t, policyFile, string(data))

	loaded, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if loaded.Name != policy.Name {
		t.Errorf("Expected name '%s', got '%s'", policy.Name, loaded.Name)
	}
	if loaded.Severity != policy.Severity {
		t.Errorf("Expected severity '%s', got '%s'", policy.Severity, loaded.Severity)
	}
	if loaded.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt default")
	}
}

func TestLoadFromFile_JSONErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "invalid json", content: "invalid json"},
		{name: "missing name", content: `{"rego": "package x"}`},
		{name: "bad severity", content: `{"name": "x", "rego": "package x", "severity": "fatal"}`},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewLoader(zerolog.Nop())
			path := filepath.Join(t.TempDir(), "policy.json")
			writePolicy(t, path, tt.content)
			if _, err := loader.loadFromFile(context.Background(), path); err == nil {
				t.Errorf("case %d: expected error", i)
			}
		})
	}
}

func TestLoadFromDirectory(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	writePolicy(t, filepath.Join(dir, "gantry.rego"), "package riskcell.test.gantry\n")
	writePolicy(t, filepath.Join(dir, "robot.rego"), "package riskcell.test.robot\n")
	writePolicy(t, filepath.Join(dir, "cells", "west.rego"), "package riskcell.test.west\n")
	writePolicy(t, filepath.Join(dir, "README.md"), "# Cell policies")
	writePolicy(t, filepath.Join(dir, "broken.json"), "{")

	loaded, err := loader.loadFromDirectory(context.Background(), dir)
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(loaded) != 3 {
		t.Errorf("Expected 3 policies including the subdirectory, got %d", len(loaded))
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	tmpDir := t.TempDir()

	dir := filepath.Join(tmpDir, "policies")
	writePolicy(t, filepath.Join(dir, "gantry.rego"), "package riskcell.test.gantry\n")
	file := filepath.Join(tmpDir, "robot.rego")
	writePolicy(t, file, "package riskcell.test.robot\n")

	loaded, err := loader.LoadFromPaths(context.Background(), []string{dir, file})
	if err != nil {
		t.Fatalf("Failed to load paths: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(loaded))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(tmpDir, "missing")}); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestLoadBundle(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	bundle := PolicyBundle{
		Name:        "west-cell",
		Version:     "1.0.0",
		Description: "Policies for the west cell",
		Policies: []Policy{
			{Name: "gantry", Rego: "package riskcell.test.gantry\n", Severity: SeverityError, Enabled: true},
			{Name: "robot", Rego: "package riskcell.test.robot\n", Enabled: true},
		},
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("Failed to marshal bundle: %v", err)
	}
	bundleFile := filepath.Join(t.TempDir(), "west.bundle.json")
	writePolicy(t, bundleFile, string(data))

	loaded, err := loader.LoadBundle(context.Background(), bundleFile)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if loaded.Name != bundle.Name || loaded.Version != bundle.Version {
		t.Errorf("Expected %s@%s, got %s@%s", bundle.Name, bundle.Version, loaded.Name, loaded.Version)
	}
	if loaded.Policies[1].Severity != SeverityWarning {
		t.Errorf("Expected default severity warning, got %s", loaded.Policies[1].Severity)
	}
	if loaded.Policies[0].Metadata["bundle"] != "west-cell" {
		t.Errorf("Expected bundle metadata, got %v", loaded.Policies[0].Metadata)
	}

	policies, err := loader.LoadFromPaths(context.Background(), []string{bundleFile})
	if err != nil {
		t.Fatalf("Failed to load bundle path: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("Expected bundle to expand to 2 policies, got %d", len(policies))
	}
}

func TestExtractHeader(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	tests := []struct {
		name        string
		content     string
		description string
		severity    Severity
	}{
		{
			name:        "single line comment",
			content:     "# Keep the gantry locked\npackage test",
			description: "Keep the gantry locked",
			severity:    SeverityWarning,
		},
		{
			name:        "multi line comments",
			content:     "# Keep the gantry locked\n# while the robot moves\npackage test",
			description: "Keep the gantry locked while the robot moves",
			severity:    SeverityWarning,
		},
		{
			name:        "severity line",
			content:     "# Keep the gantry locked\n# severity: critical\npackage test",
			description: "Keep the gantry locked",
			severity:    SeverityCritical,
		},
		{
			name:        "unknown severity",
			content:     "# severity: fatal\npackage test",
			description: "",
			severity:    SeverityWarning,
		},
		{
			name:        "no comments",
			content:     "package test\n",
			description: "",
			severity:    SeverityWarning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			description, severity := loader.extractHeader(tt.content)
			if description != tt.description {
				t.Errorf("Expected description '%s', got '%s'", tt.description, description)
			}
			if severity != tt.severity {
				t.Errorf("Expected severity %s, got %s", tt.severity, severity)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := filepath.Join(t.TempDir(), "gantry.rego")
	writePolicy(t, policyFile, "package riskcell.test.gantry\n")

	if _, err := loader.loadFromFile(context.Background(), policyFile); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Errorf("Expected 1 cache entry, got %d", len(loader.cache))
	}

	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Errorf("Expected 0 cache entries after clear, got %d", len(loader.cache))
	}
}

func TestLoadFromFile_UnsupportedType(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := filepath.Join(t.TempDir(), "gantry.txt")
	writePolicy(t, policyFile, "not a policy")

	if _, err := loader.loadFromFile(context.Background(), policyFile); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestEngineWatchReloadsPolicies(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, filepath.Join(dir, "gantry.rego"), "package riskcell.test.gantry\n")

	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	if err := eng.Watch(ctx); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writePolicy(t, filepath.Join(dir, "no-calibration.rego"), noCalibrationRego)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := eng.GetPolicy("no-calibration"); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Expected watcher to load the new policy")
}
