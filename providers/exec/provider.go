// Package exec implements the exec provider. An exec_command resource
// runs a shell command when created and optionally another when
// destroyed; its captured output is referencable by dependent resources.
// Commands re-run only when their inputs change, by being replaced.
package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/girder-io/girder/pkg/sdk"
)

type Provider struct {
	runner Runner
}

func New() *Provider {
	return &Provider{runner: systemRunner{}}
}

// NewWithRunner injects a custom process runner. Tests use it to script
// command outcomes.
func NewWithRunner(r Runner) *Provider {
	return &Provider{runner: r}
}

// A command run is not updatable in place; any input change replaces the
// resource, which re-runs the command.
var resourceSchema = &sdk.Schema{
	Attributes: map[string]*sdk.AttributeSchema{
		"command":         {Required: true, ForcesReplacement: true},
		"destroy_command": {ForcesReplacement: true},
		"interpreter":     {ForcesReplacement: true},
		"working_dir":     {ForcesReplacement: true},
		"environment":     {ForcesReplacement: true},
		"triggers":        {ForcesReplacement: true},
		"id":              {Computed: true},
		"stdout":          {Computed: true},
		"stderr":          {Computed: true},
		"exit_code":       {Computed: true},
	},
}

type commandConfig struct {
	Command        string            `json:"command"`
	DestroyCommand string            `json:"destroy_command"`
	Interpreter    []string          `json:"interpreter"`
	WorkingDir     string            `json:"working_dir"`
	Environment    map[string]string `json:"environment"`
}

// CommandError reports a command that failed. Code is the process exit
// status, -1 when the process was killed or never completed.
type CommandError struct {
	Code   int
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	var msg string
	if e.Code >= 0 {
		msg = fmt.Sprintf("command exited with status %d", e.Code)
	} else {
		msg = "command did not run to completion"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += "\nstderr: " + lastLines(s, 10)
	}
	return msg
}

func (e *CommandError) ExitCode() int { return e.Code }

func (e *CommandError) Unwrap() error { return e.Err }

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

func (p *Provider) Configure(ctx context.Context, req *sdk.ConfigureRequest) (*sdk.ConfigureResponse, error) {
	return &sdk.ConfigureResponse{}, nil
}

func (p *Provider) Schema(resourceType string) (*sdk.Schema, error) {
	if resourceType != "exec_command" {
		return nil, fmt.Errorf("unknown resource type: %s", resourceType)
	}
	return resourceSchema, nil
}

func (p *Provider) Plan(ctx context.Context, req *sdk.PlanRequest) (*sdk.PlanResponse, error) {
	if _, err := p.Schema(req.Type); err != nil {
		return nil, err
	}
	return sdk.DiffAttributes(resourceSchema, req)
}

func (p *Provider) Apply(ctx context.Context, req *sdk.ApplyRequest) (*sdk.ApplyResponse, error) {
	var desired map[string]any
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("unmarshal desired config: %w", err)
	}
	var cfg commandConfig
	if err := json.Unmarshal(req.DesiredJSON, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal desired config: %w", err)
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("exec_command %s: command must not be empty", req.Name)
	}

	result, err := p.runner.Run(ctx, CommandSpec{
		Command:     cfg.Command,
		Interpreter: cfg.Interpreter,
		WorkingDir:  cfg.WorkingDir,
		Environment: cfg.Environment,
	})
	if err != nil {
		code := -1
		var stderr string
		if result != nil {
			code = result.ExitCode
			stderr = result.Stderr
		}
		return nil, &CommandError{Code: code, Stderr: stderr, Err: err}
	}
	if result.ExitCode != 0 {
		return nil, &CommandError{Code: result.ExitCode, Stderr: result.Stderr}
	}

	// Echo the inputs so destroy has the teardown command, then add the
	// captured run outcome.
	state := make(map[string]any, len(desired)+4)
	for k, v := range desired {
		state[k] = v
	}
	state["id"] = uuid.NewString()
	state["stdout"] = result.Stdout
	state["stderr"] = result.Stderr
	state["exit_code"] = result.ExitCode

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return &sdk.ApplyResponse{StateJSON: stateJSON}, nil
}

func (p *Provider) Read(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	// A past run cannot be observed again; the recorded state stands.
	return &sdk.ReadResponse{Exists: len(req.StateJSON) > 0, StateJSON: req.StateJSON}, nil
}

func (p *Provider) Destroy(ctx context.Context, req *sdk.DestroyRequest) (*sdk.DestroyResponse, error) {
	if len(req.StateJSON) == 0 {
		return &sdk.DestroyResponse{}, nil
	}
	var cfg commandConfig
	if err := json.Unmarshal(req.StateJSON, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal recorded state: %w", err)
	}
	if cfg.DestroyCommand == "" {
		return &sdk.DestroyResponse{}, nil
	}

	result, err := p.runner.Run(ctx, CommandSpec{
		Command:     cfg.DestroyCommand,
		Interpreter: cfg.Interpreter,
		WorkingDir:  cfg.WorkingDir,
		Environment: cfg.Environment,
	})
	if err != nil {
		code := -1
		var stderr string
		if result != nil {
			code = result.ExitCode
			stderr = result.Stderr
		}
		return nil, &CommandError{Code: code, Stderr: stderr, Err: err}
	}
	if result.ExitCode != 0 {
		return nil, &CommandError{Code: result.ExitCode, Stderr: result.Stderr}
	}
	return &sdk.DestroyResponse{}, nil
}
