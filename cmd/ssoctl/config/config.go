// Package config stores the ssoctl contexts: named server endpoints with the bearer token used
// against their management API.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	AppName        = "ssoctl"
	ConfigFileName = "config"
	ConfigFileType = "yaml"
)

var (
	ErrNoCurrentContext = errors.New("no current context set, use 'ssoctl config use-context <name>'")
	ErrContextNotFound  = errors.New("context not found")
)

// Context is a server endpoint and the credentials used against it.
type Context struct {
	ServerEndpoint string `mapstructure:"server_endpoint" yaml:"server_endpoint"`
	AccessToken    string `mapstructure:"access_token" yaml:"access_token,omitempty"`
	// DevelopmentUserID is sent as the development-user-id header to non-production servers.
	DevelopmentUserID string `mapstructure:"development_user_id" yaml:"development_user_id,omitempty"`
}

// CLIConfig is the content of the config file.
type CLIConfig struct {
	CurrentContext string              `mapstructure:"current_context" yaml:"current_context"`
	Contexts       map[string]*Context `mapstructure:"contexts" yaml:"contexts"`
}

// Store reads and writes the config file.
type Store struct {
	path string
	cfg  *CLIConfig
}

// DefaultPath returns $HOME/.ssoctl/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, "."+AppName, ConfigFileName+"."+ConfigFileType), nil
}

// Load reads the config file at path. A missing file yields an empty configuration.
func Load(path string) (*Store, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(ConfigFileType)
	v.SetEnvPrefix(AppName)
	v.AutomaticEnv()

	s := &Store{path: path, cfg: &CLIConfig{}}

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(s.cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if s.cfg.Contexts == nil {
		s.cfg.Contexts = make(map[string]*Context)
	}
	return s, nil
}

// Config returns the loaded configuration.
func (s *Store) Config() *CLIConfig {
	return s.cfg
}

// Path returns the config file location.
func (s *Store) Path() string {
	return s.path
}

// Save writes the configuration back to its file.
func (s *Store) Save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// viper merges nested keys of the file it read, so deleted contexts would survive a WriteConfig
	out, err := yaml.Marshal(s.cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(s.path, out, 0o600); err != nil {
		return fmt.Errorf("failed to save config to %s: %w", s.path, err)
	}
	return nil
}

// SetContext creates or updates a context. Empty fields keep their current value.
func (s *Store) SetContext(name string, update Context) *Context {
	current, ok := s.cfg.Contexts[name]
	if !ok {
		current = &Context{}
		s.cfg.Contexts[name] = current
	}
	if update.ServerEndpoint != "" {
		current.ServerEndpoint = update.ServerEndpoint
	}
	if update.AccessToken != "" {
		current.AccessToken = update.AccessToken
	}
	if update.DevelopmentUserID != "" {
		current.DevelopmentUserID = update.DevelopmentUserID
	}
	if s.cfg.CurrentContext == "" {
		s.cfg.CurrentContext = name
	}
	return current
}

// UseContext switches the current context.
func (s *Store) UseContext(name string) error {
	if _, ok := s.cfg.Contexts[name]; !ok {
		return fmt.Errorf("%w: %s", ErrContextNotFound, name)
	}
	s.cfg.CurrentContext = name
	return nil
}

// DeleteContext removes a context, clearing the current context if it pointed there.
func (s *Store) DeleteContext(name string) error {
	if _, ok := s.cfg.Contexts[name]; !ok {
		return fmt.Errorf("%w: %s", ErrContextNotFound, name)
	}
	delete(s.cfg.Contexts, name)
	if s.cfg.CurrentContext == name {
		s.cfg.CurrentContext = ""
	}
	return nil
}

// CurrentContext returns the active context.
func (s *Store) CurrentContext() (*Context, error) {
	if s.cfg.CurrentContext == "" {
		return nil, ErrNoCurrentContext
	}
	ctx, ok := s.cfg.Contexts[s.cfg.CurrentContext]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, s.cfg.CurrentContext)
	}
	return ctx, nil
}
