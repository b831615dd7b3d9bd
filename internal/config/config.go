package config

import (
	"fmt"
	"log"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabaseDSN  string `envconfig:"DATABASE_DSN" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false"`
	AuthSecret   string `envconfig:"AUTH_SECRET" default:""`

	// MasterKey encrypts credential payloads at rest. Validated at the
	// point of use by the vault, not at startup.
	MasterKey string `envconfig:"MASTER_KEY" default:""`

	// Worker endpoint and optional mutual-TLS material. Missing or
	// unreadable TLS files degrade to a plain transport.
	WorkerURL      string `envconfig:"WORKER_URL" default:"ws://localhost:9000"`
	WorkerCertFile string `envconfig:"WORKER_CERT_FILE" default:""`
	WorkerKeyFile  string `envconfig:"WORKER_KEY_FILE" default:""`
	WorkerCAFile   string `envconfig:"WORKER_CA_FILE" default:""`

	// CaptureSweepSpec is the cron spec for the periodic pane capture
	// sweep. Individual sessions opt in via their capture policy.
	CaptureSweepSpec string `envconfig:"CAPTURE_SWEEP_SPEC" default:"@every 10s"`

	// ConfigFile optionally points at a YAML file overlaying the worker
	// settings above. Environment variables win over the file.
	ConfigFile string `envconfig:"CONFIG_FILE" default:""`
}

// fileSettings is the YAML shape of the optional config file. Only the
// worker connection block is file-configurable.
type fileSettings struct {
	Worker struct {
		URL      string `yaml:"url"`
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
		CAFile   string `yaml:"ca_file"`
	} `yaml:"worker"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("MUXGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.ConfigFile != "" {
		if err := overlayFile(&Cfg, Cfg.ConfigFile); err != nil {
			log.Fatalf("failed to load config file: %v", err)
		}
	}
}

func overlayFile(s *Settings, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var fs fileSettings
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	// An environment variable that was set takes precedence over the
	// file, even when set to its default value.
	if fs.Worker.URL != "" && !envSet("MUXGATE_WORKER_URL") {
		s.WorkerURL = fs.Worker.URL
	}
	if fs.Worker.CertFile != "" && !envSet("MUXGATE_WORKER_CERT_FILE") {
		s.WorkerCertFile = fs.Worker.CertFile
	}
	if fs.Worker.KeyFile != "" && !envSet("MUXGATE_WORKER_KEY_FILE") {
		s.WorkerKeyFile = fs.Worker.KeyFile
	}
	if fs.Worker.CAFile != "" && !envSet("MUXGATE_WORKER_CA_FILE") {
		s.WorkerCAFile = fs.Worker.CAFile
	}
	return nil
}

func envSet(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}
