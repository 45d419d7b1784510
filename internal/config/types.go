package config

// Config is the top-level configuration structure parsed from YAML.
type Config struct {
	Pipeline Pipeline `yaml:"pipeline"`
}

// Pipeline defines engine-wide settings: stage timeouts, the TDD loop
// bounds, the reviewer fan-out, and the external agent command.
type Pipeline struct {
	Name      string    `yaml:"name"`
	DataDir   string    `yaml:"data_dir"`
	Defaults  Defaults  `yaml:"defaults"`
	TDD       TDD       `yaml:"tdd"`
	Reviewers []string  `yaml:"reviewers"`
	Agent     Agent     `yaml:"agent"`
	Stages    []Stage   `yaml:"stages"`
}

// Defaults holds values applied to stages that don't specify their own.
type Defaults struct {
	Timeout      string `yaml:"timeout"`
	Retries      int    `yaml:"retries"`
	RetryBackoff string `yaml:"retry_backoff"`
}

// TDD bounds the red/green sub-loop.
type TDD struct {
	MaxIterations int    `yaml:"max_iterations"`
	Command       string `yaml:"command"`
	OutputTail    int    `yaml:"output_tail"`
}

// Agent configures the external agent command used in serve mode.
type Agent struct {
	Command string `yaml:"command"`
}

// Stage carries per-stage settings. IDs must name stages of the fixed order;
// the config cannot add, remove, or reorder stages.
type Stage struct {
	ID      string `yaml:"id"`
	Timeout string `yaml:"timeout"`
}
