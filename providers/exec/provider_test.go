package exec

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girder-io/girder/pkg/sdk"
)

// fakeRunner records invocations and replays scripted results per command.
type fakeRunner struct {
	calls   []CommandSpec
	results map[string]*CommandResult
	errs    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results: map[string]*CommandResult{},
		errs:    map[string]error{},
	}
}

func (f *fakeRunner) Run(ctx context.Context, spec CommandSpec) (*CommandResult, error) {
	f.calls = append(f.calls, spec)
	if err, ok := f.errs[spec.Command]; ok {
		return &CommandResult{ExitCode: -1}, err
	}
	if res, ok := f.results[spec.Command]; ok {
		return res, nil
	}
	return &CommandResult{ExitCode: 0}, nil
}

func TestApply_CapturesOutput(t *testing.T) {
	runner := newFakeRunner()
	runner.results["echo hello"] = &CommandResult{Stdout: "hello\n", ExitCode: 0}
	p := NewWithRunner(runner)

	desiredJSON, _ := json.Marshal(map[string]any{"command": "echo hello"})
	resp, err := p.Apply(context.Background(), &sdk.ApplyRequest{
		Type:        "exec_command",
		Name:        "greet",
		DesiredJSON: desiredJSON,
		Action:      sdk.ActionCreate,
	})
	require.NoError(t, err)

	var state map[string]any
	require.NoError(t, json.Unmarshal(resp.StateJSON, &state))
	assert.NotEmpty(t, state["id"])
	assert.Equal(t, "hello\n", state["stdout"])
	assert.Equal(t, float64(0), state["exit_code"])
	assert.Equal(t, "echo hello", state["command"])
}

func TestApply_NonZeroExitFails(t *testing.T) {
	runner := newFakeRunner()
	runner.results["false"] = &CommandResult{Stderr: "boom\n", ExitCode: 3}
	p := NewWithRunner(runner)

	desiredJSON, _ := json.Marshal(map[string]any{"command": "false"})
	_, err := p.Apply(context.Background(), &sdk.ApplyRequest{
		Type:        "exec_command",
		Name:        "fail",
		DesiredJSON: desiredJSON,
		Action:      sdk.ActionCreate,
	})
	require.Error(t, err)

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 3, cmdErr.ExitCode())
	assert.Contains(t, err.Error(), "boom")
}

func TestApply_KilledCommandReportsNoExitCode(t *testing.T) {
	runner := newFakeRunner()
	runner.errs["sleep 600"] = errors.New("command killed: context deadline exceeded")
	p := NewWithRunner(runner)

	desiredJSON, _ := json.Marshal(map[string]any{"command": "sleep 600"})
	_, err := p.Apply(context.Background(), &sdk.ApplyRequest{
		Type:        "exec_command",
		Name:        "slow",
		DesiredJSON: desiredJSON,
		Action:      sdk.ActionCreate,
	})
	require.Error(t, err)

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, -1, cmdErr.ExitCode())
}

func TestApply_PassesEnvironmentAndWorkingDir(t *testing.T) {
	runner := newFakeRunner()
	p := NewWithRunner(runner)

	desiredJSON, _ := json.Marshal(map[string]any{
		"command":     "make train",
		"working_dir": "/srv/pipeline",
		"environment": map[string]string{"STAGE": "prod"},
	})
	_, err := p.Apply(context.Background(), &sdk.ApplyRequest{
		Type:        "exec_command",
		Name:        "train",
		DesiredJSON: desiredJSON,
		Action:      sdk.ActionCreate,
	})
	require.NoError(t, err)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "/srv/pipeline", runner.calls[0].WorkingDir)
	assert.Equal(t, "prod", runner.calls[0].Environment["STAGE"])
}

func TestPlan_UnchangedInputsAreNoop(t *testing.T) {
	p := NewWithRunner(newFakeRunner())

	desiredJSON, _ := json.Marshal(map[string]any{"command": "echo hi", "triggers": map[string]string{"rev": "abc"}})
	resp, err := p.Plan(context.Background(), &sdk.PlanRequest{
		Type:        "exec_command",
		Name:        "hi",
		DesiredJSON: desiredJSON,
		PriorJSON:   desiredJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, sdk.ActionNoOp, resp.Action)
}

func TestPlan_ChangedTriggerReplaces(t *testing.T) {
	p := NewWithRunner(newFakeRunner())

	priorJSON, _ := json.Marshal(map[string]any{"command": "echo hi", "triggers": map[string]string{"rev": "abc"}})
	desiredJSON, _ := json.Marshal(map[string]any{"command": "echo hi", "triggers": map[string]string{"rev": "def"}})
	resp, err := p.Plan(context.Background(), &sdk.PlanRequest{
		Type:        "exec_command",
		Name:        "hi",
		DesiredJSON: desiredJSON,
		PriorJSON:   priorJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, sdk.ActionReplace, resp.Action)
	assert.Contains(t, resp.ReplacedBy, "triggers")
}

func TestDestroy_RunsDestroyCommand(t *testing.T) {
	runner := newFakeRunner()
	p := NewWithRunner(runner)

	stateJSON, _ := json.Marshal(map[string]any{
		"id":              "x",
		"command":         "make deploy",
		"destroy_command": "make undeploy",
	})
	_, err := p.Destroy(context.Background(), &sdk.DestroyRequest{
		Type:      "exec_command",
		Name:      "deploy",
		StateJSON: stateJSON,
	})
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "make undeploy", runner.calls[0].Command)
}

func TestDestroy_NoDestroyCommandIsNoop(t *testing.T) {
	runner := newFakeRunner()
	p := NewWithRunner(runner)

	stateJSON, _ := json.Marshal(map[string]any{"id": "x", "command": "echo hi"})
	_, err := p.Destroy(context.Background(), &sdk.DestroyRequest{
		Type:      "exec_command",
		Name:      "hi",
		StateJSON: stateJSON,
	})
	require.NoError(t, err)
	assert.Empty(t, runner.calls)
}
