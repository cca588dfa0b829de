package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// CellSchema is the name of the built-in cell schema.
const CellSchema = "cell"

// SchemaRegistry manages CUE schemas for validation. Each schema is a CUE
// file whose top-level definition is named after the schema, so schema
// "cell" provides #Cell.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema(CellSchema, "#Cell", builtinCellSchema); err != nil {
		panic(fmt.Sprintf("built-in cell schema: %v", err))
	}
	if err := sr.RegisterSchema("device", "#Device", builtinCellSchema); err != nil {
		panic(fmt.Sprintf("built-in device schema: %v", err))
	}

	return sr
}

// RegisterSchema compiles schema and registers the definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, def, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	d := val.LookupPath(cue.ParsePath(def))
	if !d.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}
	if err := d.Err(); err != nil {
		return fmt.Errorf("schema %s: %w", name, err)
	}

	sr.schemas[name] = d
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with the named schema, filling in defaults and closing
// the value against unknown fields.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	return schema.Unify(val), nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified, err := sr.Unify(schemaName, dataVal)
	if err != nil {
		return err
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateCell validates a cell configuration against the cell schema.
func (sr *SchemaRegistry) ValidateCell(ctx context.Context, cell CellConfig) error {
	return sr.ValidateAgainstSchema(ctx, CellSchema, cell)
}

// ValidateDevice validates a device configuration against the device schema.
func (sr *SchemaRegistry) ValidateDevice(ctx context.Context, device DeviceConfig) error {
	return sr.ValidateAgainstSchema(ctx, "device", device)
}

const builtinCellSchema = `
// A work cell: a model, its devices and the tasks driving them.
#Cell: {
	// Model is the name of the model the cell runs
	model: string & =~"^[a-z][a-z0-9_]*$"

	// Tick periods in milliseconds
	periods: {
		planner_ms: int & >0 | *100
		runner_ms:  int & >0 | *100
		ticker_ms:  int & >0 | *100
		harness_ms: int & >0 | *500
	}

	planner: {
		max_depth:     int & >0 | *10
		prune_visited: bool | *true
	}

	runner: {
		// -1 disables replanning
		max_replans: int & >=-1 | *3
	}

	devices: [#Device, ...#Device]

	nats: {
		url: string | *"nats://127.0.0.1:4222"
	}

	harness: {
		suite?:            string
		script?:           string
		script_count:      int & >=0 | *10
		script_timeout_ms: int & >0 | *30000
		random:            int & >=0 | *0
		seed:              int | *1
	}

	results: {
		path: string | *"riskcell.db"
	}

	policy: {
		paths:                [...string] | *[]
		watch:                bool | *false
		max_plan_length:      int & >=0 | *0
		forbidden_operations: [...string] | *[]
		disabled_devices:     [...string] | *[]
	}

	telemetry: {
		log_level:     "debug" | "warn" | "error" | *"info"
		log_format:    "json" | *"console"
		metrics_addr?: string
		tracing: {
			enabled:   bool | *false
			exporter:  "otlp" | *"stdout"
			endpoint?: string
		}
	}
}

// A device and how requests reach it.
#Device: {
	name:      string & =~"^[a-z][a-z0-9_]*$"
	kind:      "gantry" | "robot"
	transport: "stream" | "nats" | *"local"

	// NATS subject; defaults to riskcell.device.<name>
	subject?: string

	// Emulator process for stream devices
	command?: [string, ...string]

	seed?: int & >=0

	// Remote host running the command of a stream device
	ssh?: #SSH
}

#SSH: {
	host:         string
	port:         int & >0 & <65536 | *22
	user:         string
	key_path?:    string
	known_hosts?: string
	upload?:      string
	remote_path?: string
}
`
