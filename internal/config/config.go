package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "LABBOOK"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "labbook.db"
	defaultLogLevel         = "info"
	defaultTokenTTLMinutes  = 60
	defaultGoogleJWKSURL    = "https://www.googleapis.com/oauth2/v3/certs"
	defaultDocstoreBucket   = "labbook"
	defaultGenAIModel       = "gemini-2.0-flash"
	defaultGenAIBaseURL     = "https://generativelanguage.googleapis.com/v1beta"
	defaultDocstoreEndpoint = "localhost:9000"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	SigningSecret  string
	TokenTTL       time.Duration
	GoogleClientID string
	GoogleJWKSURL  string

	DocstoreEndpoint  string
	DocstoreAccessKey string
	DocstoreSecretKey string
	DocstoreBucket    string
	DocstoreUseSSL    bool

	GenAIAPIKey  string
	GenAIModel   string
	GenAIBaseURL string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("google.jwks_url", defaultGoogleJWKSURL)
	configViper.SetDefault("docstore.endpoint", defaultDocstoreEndpoint)
	configViper.SetDefault("docstore.bucket", defaultDocstoreBucket)
	configViper.SetDefault("docstore.use_ssl", false)
	configViper.SetDefault("genai.model", defaultGenAIModel)
	configViper.SetDefault("genai.base_url", defaultGenAIBaseURL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		GoogleClientID:    configViper.GetString("google.client_id"),
		GoogleJWKSURL:     configViper.GetString("google.jwks_url"),
		DocstoreEndpoint:  configViper.GetString("docstore.endpoint"),
		DocstoreAccessKey: configViper.GetString("docstore.access_key"),
		DocstoreSecretKey: configViper.GetString("docstore.secret_key"),
		DocstoreBucket:    configViper.GetString("docstore.bucket"),
		DocstoreUseSSL:    configViper.GetBool("docstore.use_ssl"),
		GenAIAPIKey:       configViper.GetString("genai.api_key"),
		GenAIModel:        configViper.GetString("genai.model"),
		GenAIBaseURL:      configViper.GetString("genai.base_url"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.GoogleClientID) == "" {
		return fmt.Errorf("google.client_id is required")
	}
	if strings.TrimSpace(c.DocstoreEndpoint) == "" {
		return fmt.Errorf("docstore.endpoint is required")
	}
	if strings.TrimSpace(c.DocstoreBucket) == "" {
		return fmt.Errorf("docstore.bucket is required")
	}
	return nil
}
