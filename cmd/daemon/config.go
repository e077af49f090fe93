package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	flag "github.com/spf13/pflag"
)

type Config struct {
	ConfigDir string `koanf:"config_dir"`

	LogLevel            string `koanf:"log_level"`
	LogDisableTimestamp bool   `koanf:"log_disable_timestamp"`

	BackendUrl       string `koanf:"backend_url"`
	BackendLoginPath string `koanf:"backend_login_path"`
	// LoginPath is where the console redirects unauthenticated navigation to.
	LoginPath string `koanf:"login_path"`

	Server struct {
		Enabled     bool   `koanf:"enabled"`
		Address     string `koanf:"address"`
		Port        int    `koanf:"port"`
		AllowOrigin string `koanf:"allow_origin"`
		CertFile    string `koanf:"cert_file"`
		KeyFile     string `koanf:"key_file"`
	} `koanf:"server"`

	Storage struct {
		Type  string `koanf:"type"`
		Redis struct {
			Address  string `koanf:"address"`
			Password string `koanf:"password"`
			DB       int    `koanf:"db"`
			Prefix   string `koanf:"prefix"`
		} `koanf:"redis"`
	} `koanf:"storage"`

	// Email and Password are only used by the login command.
	Email    string `koanf:"email"`
	Password string `koanf:"password"`

	// Command is the first positional argument, serve if missing.
	Command string `koanf:"-"`
}

const (
	CommandServe  = "serve"
	CommandLogin  = "login"
	CommandLogout = "logout"
	CommandStatus = "status"
)

func defaultConfig() map[string]interface{} {
	return map[string]interface{}{
		"log_level":             "info",
		"log_disable_timestamp": false,
		"backend_url":           "http://localhost:8000",
		"backend_login_path":    "/api/login/",
		"login_path":            "/login",
		"server.enabled":        true,
		"server.address":        "localhost",
		"server.port":           3680,
		"storage.type":          "file",
		"storage.redis.address": "localhost:6379",
		"storage.redis.prefix":  "adminconsole:",
	}
}

// loadConfig merges, in increasing priority, the defaults, the YAML config file and the
// command line flags.
func loadConfig(args []string, cfg *Config) error {
	f := flag.NewFlagSet("go-adminconsole", flag.ContinueOnError)
	f.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "usage: %s [flags] [serve|login|logout|status]\n", filepath.Base(os.Args[0]))
		f.PrintDefaults()
	}

	configDir := f.String("config_dir", defaultStorageDir(), "the configuration directory, session storage lives here too")
	configPath := f.String("config_path", "", "the configuration file path, defaults to config.yml in the configuration directory")
	f.String("log_level", "info", "the log level (trace, debug, info, warn, error)")
	f.String("backend_url", "http://localhost:8000", "the backend base URL")
	f.Int("server.port", 3680, "the console server port")
	f.String("storage.type", "file", "where the session is stored (file, redis, memory)")
	f.String("email", "", "the email to login with")
	f.String("password", "", "the password to login with, the ADMINCONSOLE_PASSWORD environment variable is used if empty")

	if err := f.Parse(args); err != nil {
		return err
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaultConfig(), "."), nil); err != nil {
		return fmt.Errorf("failed loading default configuration: %w", err)
	}

	path := *configPath
	if len(path) == 0 {
		path = filepath.Join(*configDir, "config.yml")
	}

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return fmt.Errorf("failed reading configuration file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed accessing configuration file %s: %w", path, err)
	}

	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return fmt.Errorf("failed loading command line configuration: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return fmt.Errorf("failed unmarshalling configuration: %w", err)
	}

	cfg.ConfigDir = *configDir

	if len(cfg.Password) == 0 {
		cfg.Password = os.Getenv("ADMINCONSOLE_PASSWORD")
	}

	switch rest := f.Args(); len(rest) {
	case 0:
		cfg.Command = CommandServe
	case 1:
		cfg.Command = rest[0]
	default:
		return fmt.Errorf("too many arguments: %v", rest)
	}

	return nil
}
