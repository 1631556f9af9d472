package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreMongo  = "mongo"
)

// ServerConfig holds all configuration for the server.
// Tags use mapstructure for Viper unmarshalling; every key can be overridden by the environment
// variable of the same name.
type ServerConfig struct {
	HTTPPort    string `mapstructure:"HTTP_PORT"`
	Environment string `mapstructure:"ENVIRONMENT"`

	// Development bypass of bearer authentication.
	IntegrationTest   bool   `mapstructure:"INTEGRATION_TEST"`
	DevelopmentUserID string `mapstructure:"DEVELOPMENT_USER_ID"`

	TenantID          string        `mapstructure:"TENANT_ID"`
	AdminTenantID     string        `mapstructure:"ADMIN_TENANT_ID"`
	Issuer            string        `mapstructure:"ISSUER"`
	AdminIssuer       string        `mapstructure:"ADMIN_ISSUER"`
	AdminJWKSURI      string        `mapstructure:"ADMIN_JWKS_URI"`
	AdminJWKSCacheTTL time.Duration `mapstructure:"ADMIN_JWKS_CACHE_TTL"`
	KeyRotationPeriod time.Duration `mapstructure:"KEY_ROTATION_PERIOD"`

	ManagementAPIAudience string   `mapstructure:"MANAGEMENT_API_AUDIENCE"`
	DevelopmentUserScopes []string `mapstructure:"DEVELOPMENT_USER_SCOPES"`

	StoreDriver    string `mapstructure:"STORE_DRIVER"`
	MongoURI       string `mapstructure:"MONGO_URI"`
	MongoDBName    string `mapstructure:"MONGO_DB_NAME"`
	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int    `mapstructure:"REDIS_DB"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	LogLevel        string `mapstructure:"LOG_LEVEL"`
	LogPretty       bool   `mapstructure:"LOG_PRETTY"`
	OtelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	RotateRefreshToken        bool          `mapstructure:"ROTATE_REFRESH_TOKEN"`
	ConformIDTokenClaims      bool          `mapstructure:"CONFORM_ID_TOKEN_CLAIMS"`
	UserinfoEnabled           bool          `mapstructure:"USERINFO_ENABLED"`
	ResourceIndicatorsEnabled bool          `mapstructure:"RESOURCE_INDICATORS_ENABLED"`
	AccessTokenTTL            time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	IDTokenTTL                time.Duration `mapstructure:"ID_TOKEN_TTL"`
	RefreshTokenTTL           time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`
	OrganizationTokenTTL      time.Duration `mapstructure:"ORGANIZATION_TOKEN_TTL"`
	DPoPEnabled               bool          `mapstructure:"DPOP_ENABLED"`
	DPoPProofMaxAge           time.Duration `mapstructure:"DPOP_PROOF_MAX_AGE"`
}

// IsProduction reports whether the server runs in the production environment.
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

var defaults = map[string]any{
	"HTTP_PORT":                   "8080",
	"ENVIRONMENT":                 "development",
	"INTEGRATION_TEST":            false,
	"DEVELOPMENT_USER_ID":         "",
	"TENANT_ID":                   "default",
	"ADMIN_TENANT_ID":             "admin",
	"ISSUER":                      "http://localhost:8080/oidc",
	"ADMIN_ISSUER":                "",
	"ADMIN_JWKS_URI":              "",
	"ADMIN_JWKS_CACHE_TTL":        "15m",
	"KEY_ROTATION_PERIOD":         "0s",
	"MANAGEMENT_API_AUDIENCE":     "https://default.tenant-sso.local/api",
	"DEVELOPMENT_USER_SCOPES":     []string{"all"},
	"STORE_DRIVER":                StoreMemory,
	"MONGO_URI":                   "mongodb://localhost:27017",
	"MONGO_DB_NAME":               "tenant_sso_dev",
	"REDIS_ADDR":                  "localhost:6379",
	"REDIS_PASSWORD":              "",
	"REDIS_DB":                    0,
	"REDIS_KEY_PREFIX":            "tenant-sso",
	"LOG_LEVEL":                   "info",
	"LOG_PRETTY":                  true,
	"OTEL_SERVICE_NAME":           "tenant-sso",
	"ROTATE_REFRESH_TOKEN":        true,
	"CONFORM_ID_TOKEN_CLAIMS":     true,
	"USERINFO_ENABLED":            true,
	"RESOURCE_INDICATORS_ENABLED": true,
	"ACCESS_TOKEN_TTL":            "1h",
	"ID_TOKEN_TTL":                "1h",
	"REFRESH_TOKEN_TTL":           "336h",
	"ORGANIZATION_TOKEN_TTL":      "1h",
	"DPOP_ENABLED":                true,
	"DPOP_PROOF_MAX_AGE":          "60s",
}

// LoadConfig reads configuration from file, environment variables, and defaults.
func LoadConfig() (*ServerConfig, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*ServerConfig, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("/etc/tenant-sso/")
	v.AddConfigPath("$HOME/.tenant-sso")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		// a missing file means defaults and environment only
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	// space separated scopes arrive as a single element
	if len(cfg.DevelopmentUserScopes) == 1 {
		cfg.DevelopmentUserScopes = strings.Fields(cfg.DevelopmentUserScopes[0])
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ServerConfig) validate() error {
	switch c.Environment {
	case "production", "development", "test":
	default:
		return fmt.Errorf("invalid ENVIRONMENT %q", c.Environment)
	}
	switch c.StoreDriver {
	case StoreMemory, StoreRedis, StoreMongo:
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q", c.StoreDriver)
	}
	if c.IsProduction() && c.StoreDriver == StoreMemory {
		return errors.New("STORE_DRIVER memory is not allowed in production")
	}
	return nil
}
