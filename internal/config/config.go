package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Divisions []DivisionDefinition `yaml:"divisions"`
	Workers   []WorkerDefinition   `yaml:"workers"`
	Rubric    RubricConfig         `yaml:"rubric"`
	Workflow  WorkflowConfig       `yaml:"workflow"`
	NATS      NATSConfig           `yaml:"nats"`
	Store     StoreConfig          `yaml:"store"`
	Web       WebConfig            `yaml:"web"`
	Scheduler SchedulerConfig      `yaml:"scheduler"`
	Log       LogConfig            `yaml:"log"`
}

// DirectoryConfig is the roster slice of the config handed to the directory.
type DirectoryConfig struct {
	Divisions []DivisionDefinition
	Workers   []WorkerDefinition
}

type DivisionDefinition struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Supervisor  string `yaml:"supervisor"`
	Description string `yaml:"description"`
}

type WorkerDefinition struct {
	ID          string   `yaml:"id"`
	Division    string   `yaml:"division"`
	Supervisor  string   `yaml:"supervisor"`
	Dormant     bool     `yaml:"dormant"`
	Aliases     []string `yaml:"aliases"`
	Description string   `yaml:"description"`
}

type RubricConfig struct {
	Threshold       float64               `yaml:"threshold"`
	MaxScore        float64               `yaml:"max_score"`
	Evaluator       string                `yaml:"evaluator"` // "rules" or "completion"
	EvaluatorWorker string                `yaml:"evaluator_worker"`
	Dimensions      []DimensionDefinition `yaml:"dimensions"`
}

type DimensionDefinition struct {
	ID            string   `yaml:"id"`
	Description   string   `yaml:"description"`
	Weight        float64  `yaml:"weight"`
	Critical      bool     `yaml:"critical"`
	CriticalFloor float64  `yaml:"critical_floor"`
	PassingFloor  float64  `yaml:"passing_floor"`
	Patterns      []string `yaml:"patterns"`
	MinLength     int      `yaml:"min_length"`
}

type WorkflowConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	CompletionAttempts int           `yaml:"completion_attempts"`
	CompletionTimeout  time.Duration `yaml:"completion_timeout"`
	BranchTimeout      time.Duration `yaml:"branch_timeout"`
	ArchiveAttempts    int           `yaml:"archive_attempts"`
	ArchiveBackoff     time.Duration `yaml:"archive_backoff"`
}

type NATSConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"` // empty disables JetStream
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Directory returns the roster portion of the config.
func (c *Config) Directory() DirectoryConfig {
	return DirectoryConfig{Divisions: c.Divisions, Workers: c.Workers}
}

func defaults() Config {
	return Config{
		Rubric: RubricConfig{
			Threshold: 3.0,
			MaxScore:  5,
			Evaluator: "rules",
		},
		Workflow: WorkflowConfig{
			MaxAttempts:        3,
			CompletionAttempts: 2,
			CompletionTimeout:  5 * time.Minute,
			BranchTimeout:      15 * time.Minute,
			ArchiveAttempts:    5,
			ArchiveBackoff:     200 * time.Millisecond,
		},
		NATS: NATSConfig{
			Host:    "127.0.0.1",
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/synedrio.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func Load() (*Config, error) {
	path := os.Getenv("SYNEDRIO_CONFIG")
	if path == "" {
		path = "config/synedrio.yaml"
	}
	return LoadFile(path)
}

// LoadFile reads the config at path. A missing file yields defaults plus env.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SYNEDRIO_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SYNEDRIO_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("SYNEDRIO_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("SYNEDRIO_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("SYNEDRIO_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SYNEDRIO_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workflow.MaxAttempts = n
		}
	}
}
