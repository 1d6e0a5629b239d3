package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	data := []byte(`
agent:
  command: claude
  args: ["-p"]
`)
	cfg, err := parse(data)
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.Agent.Command)
	assert.Equal(t, "vkrunner/", cfg.Settings.BranchPrefix)
	assert.False(t, cfg.Settings.RetainOnArchive)
}

func TestParse_ExplicitBranchPrefixAndRetention(t *testing.T) {
	data := []byte(`
agent:
  command: claude
settings:
  branch_prefix: custom/
  retain_on_archive: true
`)
	cfg, err := parse(data)
	require.NoError(t, err)
	assert.Equal(t, "custom/", cfg.Settings.BranchPrefix)
	assert.True(t, cfg.Settings.RetainOnArchive)
}

func TestResolvePreamble(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, DefaultPreamble, cfg.ResolvePreamble())

	cfg.Preamble = "custom preamble"
	assert.Equal(t, "custom preamble", cfg.ResolvePreamble())
}

func TestValidate_RequiresAgentCommand(t *testing.T) {
	errs := Validate(&Config{})
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Error(), "agent.command")
}

func TestValidate_DuplicateSetupStepNames(t *testing.T) {
	cfg := &Config{
		Agent: AgentConfig{Command: "claude"},
		SetupSteps: []ActionStep{
			{Name: "deps", Command: "npm ci"},
			{Name: "deps", Command: "pip install -r requirements.txt"},
		},
	}
	errs := Validate(cfg)
	var found bool
	for _, e := range errs {
		if e.Error() == `setup_steps[1]: duplicate name "deps"` {
			found = true
		}
	}
	assert.True(t, found, "expected duplicate name error, got %v", errs)
}

func TestValidateGates(t *testing.T) {
	errs := ValidateGates([]Gate{
		{Name: "lint", Run: "golangci-lint run"},
		{Name: "", Run: ""},
	})
	assert.Len(t, errs, 2)
}

func TestSetupLevels_GroupsBySequence(t *testing.T) {
	cfg := &Config{
		SetupSteps: []ActionStep{
			{Name: "a", Sequence: 0, Command: "echo a"},
			{Name: "b", Sequence: 0, Command: "echo b"},
			{Name: "c", Sequence: 1, Command: "echo c"},
		},
	}
	levels := cfg.SetupLevels()
	require.Len(t, levels, 2)
	assert.Len(t, levels[0], 2)
	assert.Len(t, levels[1], 1)
	assert.Equal(t, "c", levels[1][0].Name)
}

func TestSetupLevels_Empty(t *testing.T) {
	cfg := &Config{}
	assert.Nil(t, cfg.SetupLevels())
}

func TestSetupLevels_SparseSequenceNumbers(t *testing.T) {
	cfg := &Config{
		SetupSteps: []ActionStep{
			{Name: "a", Sequence: 0, Command: "echo a"},
			{Name: "b", Sequence: 5, Command: "echo b"},
		},
	}
	levels := cfg.SetupLevels()
	require.Len(t, levels, 2)
	assert.Equal(t, "a", levels[0][0].Name)
	assert.Equal(t, "b", levels[1][0].Name)
}
