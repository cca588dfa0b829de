// Package config loads work-cell configuration from CUE and runs Starlark
// test-case generators.
//
// # Cell Files
//
// A cell file names the model, its devices and how each device is reached,
// plus the tick periods of the tasks and the harness, results, policy and
// telemetry settings:
//
//	package cell
//
//	model: "minimal_model"
//
//	devices: [
//	    {name: "gantry", kind: "gantry", transport: "nats"},
//	]
//
//	periods: planner_ms: 50
//	policy: max_plan_length: 8
//
// The file is unified with the built-in #Cell schema, which rejects unknown
// fields and fills in defaults: 100ms planner, runner and ticker periods, a
// 500ms harness period, depth 10 with visited-set pruning and 3 replans.
// The decoded CellConfig is then checked with struct validation tags.
//
//	parser := config.NewCUEParser()
//	cell, err := parser.LoadCell(ctx, "cell.cue")
//	if err != nil {
//	    var verrs config.ValidationErrors
//	    if errors.As(err, &verrs) {
//	        for _, e := range verrs {
//	            fmt.Println(e)
//	        }
//	    }
//	    return err
//	}
//
// Several files, or a directory of files, may be given; they are unified.
//
// A stream device with an ssh block runs its command on a lab host, after
// uploading the emulator binary when upload is set:
//
//	{
//	    name: "robot", kind: "robot", transport: "stream"
//	    command: ["/opt/riskcell/device-emulator", "--kind", "robot", "--name", "robot"]
//	    ssh: {host: "lab-1", user: "cell", upload: "bin/device-emulator", remote_path: "/opt/riskcell/device-emulator"}
//	}
//
// # Generator Scripts
//
// StarlarkEvaluator runs scripts with a timeout. Print is suppressed and
// scripts have no filesystem or network access. The harness uses it to turn
// a script defining a global list named cases into test cases:
//
//	def _case(i):
//	    return {
//	        "goal": goal("gantry", "position_estimated", choice(["a", "b", "c", "d"])),
//	        "faults": {"gantry": {"fail_mode": 2, "fail_rate_percent": randint(0, 50)}},
//	    }
//
//	cases = [_case(i) for i in range(count)]
package config
