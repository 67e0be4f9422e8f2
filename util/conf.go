package util

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const confFileName = "anancus.yml"

// AppConfig is the process-wide configuration, read once at startup.
type AppConfig struct {
	Conf MainConf `yaml:"conf"`
}

type MainConf struct {
	Host            string    `yaml:"host"`
	HttpPort        int       `yaml:"httpport"`
	SslDomain       string    `yaml:"ssldomain"`
	Single          bool      `yaml:"single"`
	NodeName        string    `yaml:"nodename"`
	NodeDescription string    `yaml:"nodedescription"`
	DataDir         string    `yaml:"datadir"`
	WithJournald    bool      `yaml:"withjournald"`
	WithPprof       bool      `yaml:"withpprof"`
	PageSize        PageSizes `yaml:"pagesize"`
}

type PageSizes struct {
	Followers int `yaml:"followers"`
	Following int `yaml:"following"`
	Outbox    int `yaml:"outbox"`
	Replies   int `yaml:"replies"`
}

func defaultConf() *AppConfig {
	return &AppConfig{
		Conf: MainConf{
			Host:            "127.0.0.1",
			HttpPort:        8080,
			SslDomain:       "localhost",
			Single:          true,
			NodeName:        Name,
			NodeDescription: "a tiny federated corner of the web",
			DataDir:         "",
			PageSize: PageSizes{
				Followers: 12,
				Following: 12,
				Outbox:    20,
				Replies:   12,
			},
		},
	}
}

// ReadConf loads the configuration file, creating one with defaults on the
// first run. The file is looked up in the working directory first, then in
// the user config dir.
func ReadConf() (*AppConfig, error) {
	path := ResolveFilePath(confFileName)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		conf := defaultConf()
		out, err := yaml.Marshal(conf)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", err)
		}
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write default config to %s: %w", path, err)
		}
		log.Printf("Created default configuration at %s", path)
		return conf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %s: %w", path, err)
	}

	conf := defaultConf()
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("failed to parse config at %s: %w", path, err)
	}
	if conf.Conf.SslDomain == "" {
		return nil, fmt.Errorf("ssldomain must be configured")
	}
	normalizePageSizes(&conf.Conf.PageSize)
	return conf, nil
}

func normalizePageSizes(p *PageSizes) {
	if p.Followers <= 0 {
		p.Followers = 12
	}
	if p.Following <= 0 {
		p.Following = 12
	}
	if p.Outbox <= 0 {
		p.Outbox = 20
	}
	if p.Replies <= 0 {
		p.Replies = 12
	}
}

// ResolveFilePath resolves a data file path. A file already present in the
// working directory wins; otherwise the per-user config dir is used (and
// created when missing).
func ResolveFilePath(name string) string {
	if _, err := os.Stat(name); err == nil {
		return name
	}

	confDir, err := os.UserConfigDir()
	if err != nil {
		return name
	}

	dir := filepath.Join(confDir, Name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return name
	}
	return filepath.Join(dir, name)
}

// ResolveFilePathWithSubdir is like ResolveFilePath but places the file in a
// subdirectory of the config dir.
func ResolveFilePathWithSubdir(subdir, name string) string {
	confDir, err := os.UserConfigDir()
	if err != nil {
		return name
	}

	dir := filepath.Join(confDir, Name, subdir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return name
	}
	return filepath.Join(dir, name)
}
