package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ProjectFile is the name of the optional per-project override file,
// checked into the repository root.
const ProjectFile = ".agent-orch.yml"

// ProjectConfig overrides orchestrator behavior for one repository.
type ProjectConfig struct {
	// AgentCommand replaces the configured agent executable for this
	// project.
	AgentCommand string `yaml:"agent_command"`
	// DevCommand replaces package.json script detection for the dev
	// server, e.g. "pnpm run dev --port 4000".
	DevCommand string `yaml:"dev_command"`
}

// LoadProject reads .agent-orch.yml from the repository root. A missing
// file yields an empty config, not an error.
func LoadProject(projectPath string) (*ProjectConfig, error) {
	var pc ProjectConfig

	data, err := os.ReadFile(filepath.Join(projectPath, ProjectFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &pc, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, &pc); err != nil {
		return nil, err
	}
	return &pc, nil
}
