package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreOpenSearch = "opensearch"
	StoreSQLite     = "sqlite"
)

// EnvPrefix is prepended to every environment variable, e.g.
// ENVMONITOR_WORKERS or ENVMONITOR_CLIENTURL.
const EnvPrefix = "ENVMONITOR"

// Config holds every configurable value of the collector.
type Config struct {
	// Global configuration source
	SharedParams   string `validate:"required"`
	SFTPKeyPath    string
	SFTPKnownHosts string

	// X-Road client identity used for the monitoring requests
	Instance          string `validate:"required"`
	ClientURL         string `validate:"required,url"`
	ClientMemberClass string `validate:"required"`
	ClientMemberCode  string `validate:"required"`
	ClientSubsystem   string `validate:"required"`
	QueryParameters   []string

	// Scheduling
	Workers      int           `validate:"min=1"`
	FetchTimeout time.Duration `validate:"gt=0"`

	// Snapshot store
	Store                string   `validate:"oneof=opensearch sqlite"`
	OpenSearchURLs       []string `validate:"required_if=Store opensearch,dive,url"`
	OpenSearchUsername   string
	OpenSearchPassword   string
	SkipCertVerification bool
	DBPath               string `validate:"required_if=Store sqlite"`
	IndexPrefix          string `validate:"required,lowercase"`
	Alias                string `validate:"required,lowercase"`
	Verify               bool

	// Observability
	PushgatewayURL string `validate:"omitempty,url"`
	LogLevel       string `validate:"oneof=debug info warn error"`
}

// flags maps command line flags to config keys.
var flags = []struct {
	name, key, usage string
	boolean          bool
}{
	{"shared-params", "SharedParams", "path or sftp:// URL of shared-params.xml", false},
	{"instance", "Instance", "X-Road instance code", false},
	{"client-url", "ClientURL", "URL of the local security server", false},
	{"workers", "Workers", "number of concurrent fetch workers", false},
	{"fetch-timeout", "FetchTimeout", "timeout of a single security server query", false},
	{"store", "Store", "snapshot store: opensearch or sqlite", false},
	{"db-path", "DBPath", "sqlite snapshot store file", false},
	{"alias", "Alias", "alias the published snapshot is reachable under", false},
	{"verify", "Verify", "re-read the alias after publishing", true},
	{"log-level", "LogLevel", "debug|info|warn|error", false},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SharedParams", "/etc/xroad/globalconf/FI/shared-params.xml")
	v.SetDefault("SFTPKeyPath", "~/.ssh/id_rsa")
	v.SetDefault("SFTPKnownHosts", "")
	v.SetDefault("Instance", "FI")
	v.SetDefault("ClientURL", "http://localhost")
	v.SetDefault("ClientMemberClass", "GOV")
	v.SetDefault("ClientMemberCode", "")
	v.SetDefault("ClientSubsystem", "")
	v.SetDefault("QueryParameters", []string{})
	v.SetDefault("Workers", 5)
	v.SetDefault("FetchTimeout", 30*time.Second)
	v.SetDefault("Store", StoreOpenSearch)
	v.SetDefault("OpenSearchURLs", []string{"http://localhost:9200"})
	v.SetDefault("OpenSearchUsername", "")
	v.SetDefault("OpenSearchPassword", "")
	v.SetDefault("SkipCertVerification", false)
	v.SetDefault("DBPath", "./data/envmonitor.db")
	v.SetDefault("IndexPrefix", "xroad-monitor")
	v.SetDefault("Alias", "xroad-monitor")
	v.SetDefault("Verify", false)
	v.SetDefault("PushgatewayURL", "")
	v.SetDefault("LogLevel", "info")
}

// Load reads configuration from (in decreasing priority):
//  1. command-line flags in args
//  2. environment variables (ENVMONITOR_<KEY>)
//  3. the yaml file named by --config, or ./configs/config.yaml if it exists
//  4. defaults
func Load(args []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	fs := pflag.NewFlagSet("envmonitor", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to a yaml config file")
	for _, f := range flags {
		if f.boolean {
			fs.Bool(f.name, false, f.usage)
			continue
		}
		fs.String(f.name, "", f.usage)
	}
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	for _, f := range flags {
		if fl := fs.Lookup(f.name); fl != nil && fl.Changed {
			v.Set(f.key, fl.Value.String())
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config: %w", err)
	}
	cfg.QueryParameters = splitList(cfg.QueryParameters)
	cfg.OpenSearchURLs = splitList(cfg.OpenSearchURLs)
	cfg.SFTPKeyPath = expandHome(cfg.SFTPKeyPath)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags of cfg.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// splitList accepts both yaml lists and comma separated env/flag values.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
