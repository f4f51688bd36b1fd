package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level (master) configuration
type Config struct {
	LocalFolders     FoldersConfig   `yaml:"local_folders"`
	ArchiveTemplates TemplatesConfig `yaml:"archive_templates"`
	Logging          LoggingConfig   `yaml:"logging"`
	Transport        TransportConfig `yaml:"transport"`
	Store            StoreConfig     `yaml:"store"`
	Metrics          MetricsConfig   `yaml:"metrics"`
	PartnersFile     string          `yaml:"partners_file"`
}

// FoldersConfig holds the local staging folders
type FoldersConfig struct {
	InboundDropoff  string `yaml:"inbound_dropoff"`
	OutboundPickup  string `yaml:"outbound_pickup"`
	OutboundArchive string `yaml:"outbound_archive"`
}

// TemplatesConfig holds the global archive templates
type TemplatesConfig struct {
	PathTemplate     string `yaml:"archive_path_template"`
	FilenameTemplate string `yaml:"archive_filename_template"`
}

// LoggingConfig holds log settings
type LoggingConfig struct {
	LogFolder string `yaml:"log_folder"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	FTPDebug  bool   `yaml:"ftp_debug"`
	// FTPDebugLevel is the legacy integer switch; any value above zero
	// turns FTPDebug on.
	FTPDebugLevel int `yaml:"ftp_debug_level,omitempty"`
}

// TransportConfig holds settings shared by all remote sessions
type TransportConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	KnownHosts string        `yaml:"known_hosts"`
}

// StoreConfig holds run-history database settings
type StoreConfig struct {
	DBPath string `yaml:"db_path"`
}

// MetricsConfig holds metrics export settings
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// PartnerConfig is a single trading partner record as it appears in the
// partners file.
type PartnerConfig struct {
	ID                      string `yaml:"partner_id" validate:"required"`
	Name                    string `yaml:"partner_name" validate:"required"`
	Protocol                string `yaml:"protocol" validate:"required"`
	Host                    string `yaml:"host" validate:"required,hostname_rfc1123|ip"`
	Port                    int    `yaml:"port" validate:"required,min=1,max=65535"`
	Username                string `yaml:"username" validate:"required"`
	Password                string `yaml:"password"`
	KeyFile                 string `yaml:"key_file"`
	InboundPath             string `yaml:"inbound_path"`
	OutboundPath            string `yaml:"outbound_path"`
	Enabled                 bool   `yaml:"enabled"`
	ArchivePathTemplate     string `yaml:"archive_path_template,omitempty"`
	ArchiveFilenameTemplate string `yaml:"archive_filename_template,omitempty"`
}

type partnersFile struct {
	Partners []PartnerConfig `yaml:"partners"`
}

// DefaultPartnersFile is used when the master config does not name one.
// The legacy partners.json is picked up when no YAML file exists.
const (
	DefaultPartnersFile = "partners.yaml"
	legacyPartnersFile  = "partners.json"
)

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		LocalFolders: FoldersConfig{
			InboundDropoff:  "/var/lib/edirelay/inbound",
			OutboundPickup:  "/var/lib/edirelay/outbound",
			OutboundArchive: "/var/lib/edirelay/archive",
		},
		Logging: LoggingConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Transport: TransportConfig{
			Timeout: 30 * time.Second,
		},
		PartnersFile: DefaultPartnersFile,
	}
}

// Load reads the master config file from the given path. JSON files are
// accepted as well since JSON is valid YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	cfg.PartnersFile = ""
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if cfg.Logging.FTPDebugLevel > 0 {
		cfg.Logging.FTPDebug = true
	}

	// Relative partners file is resolved against the master file's directory.
	switch {
	case cfg.PartnersFile == "":
		cfg.PartnersFile = FindPartnersFile(filepath.Dir(path))
	case !filepath.IsAbs(cfg.PartnersFile):
		cfg.PartnersFile = filepath.Join(filepath.Dir(path), cfg.PartnersFile)
	}

	return cfg, nil
}

// FindPartnersFile returns the default partners file in dir, falling back
// to the legacy JSON name when only that one exists.
func FindPartnersFile(dir string) string {
	yamlPath := filepath.Join(dir, DefaultPartnersFile)
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath
	}
	jsonPath := filepath.Join(dir, legacyPartnersFile)
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath
	}
	return yamlPath
}

// LoadPartners reads the partners file and expands ${VAR} references
// from the environment.
func LoadPartners(path string) ([]PartnerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading partners file: %w", err)
	}

	var pf partnersFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing partners file %s: %w", path, err)
	}

	for i := range pf.Partners {
		pf.Partners[i].expandEnv()
	}
	return pf.Partners, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${NAME} references with environment values. Bare $NAME
// is left alone so passwords containing '$' survive.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(envRef.FindStringSubmatch(m)[1])
	})
}

func (p *PartnerConfig) expandEnv() {
	p.Host = ExpandEnv(p.Host)
	p.Username = ExpandEnv(p.Username)
	p.Password = ExpandEnv(p.Password)
	p.KeyFile = ExpandEnv(p.KeyFile)
	p.InboundPath = ExpandEnv(p.InboundPath)
	p.OutboundPath = ExpandEnv(p.OutboundPath)
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"edirelay.yaml",
		"master_config.json",
		"/etc/edirelay/edirelay.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "edirelay", "edirelay.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}
