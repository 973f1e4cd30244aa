package config

// WorkspaceConfig locates the working tree the agent operates on.
type WorkspaceConfig struct {
	// Root is the workspace directory. File tools resolve paths under it
	// and refuse to escape it.
	Root string `yaml:"root"`

	// Bootstrap creates the standard layout (rules file, skills dir,
	// memory file) on startup when missing.
	Bootstrap bool `yaml:"bootstrap"`
}

func (w *WorkspaceConfig) applyDefaults() {
	if w.Root == "" {
		w.Root = "."
	}
}

// SkillsConfig controls SKILL.md discovery.
type SkillsConfig struct {
	// Directory holds skill folders, relative to the workspace root
	// unless absolute.
	Directory string `yaml:"directory"`

	// Watch reloads skills on file changes.
	Watch bool `yaml:"watch"`
}

func (s *SkillsConfig) applyDefaults() {
	if s.Directory == "" {
		s.Directory = "skills"
	}
}

// WorktreeConfig controls per-session git worktrees.
type WorktreeConfig struct {
	Enabled bool `yaml:"enabled"`

	// Root is where worktrees are created, relative to the workspace
	// root unless absolute.
	Root string `yaml:"root"`
}

func (w *WorktreeConfig) applyDefaults() {
	if w.Root == "" {
		w.Root = ".arbor/worktrees"
	}
}

// SandboxConfig controls the logical container registry behind the
// sandbox.* methods.
type SandboxConfig struct {
	Enabled bool `yaml:"enabled"`

	// Runtime selects the container runtime ("process" runs tools as
	// plain child processes).
	Runtime string `yaml:"runtime"`
}

// TranscribeConfig controls transcribe.audio. With no inline key the
// OpenAI provider key is reused.
type TranscribeConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`

	// Language is the ISO 639-1 hint; empty lets the model detect.
	Language string `yaml:"language"`
}

func (t *TranscribeConfig) applyDefaults() {
	if t.Provider == "" {
		t.Provider = "openai"
	}
	if t.Model == "" {
		t.Model = "whisper-1"
	}
}
