package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Create a new instance of the logger
// Configure it to log at the desired level
// and format it as JSON for structured logging
var log = logrus.New()

func init() {
	log.SetFormatter(&logrus.JSONFormatter{})
	environment := GetEnvWithDefault("APP_ENV", "development")
	switch environment {
	case "development":
		log.SetLevel(logrus.DebugLevel)
	case "production":
		log.SetLevel(logrus.ErrorLevel)
	default:
		// Default to info level for other environments
		log.SetLevel(logrus.InfoLevel)
	}
}

// Token formats supported by the provider. Self-contained tokens are signed
// JWTs validated locally; reference tokens are opaque handles resolved through
// the registry (introspection).
const (
	TokenFormatJWT       = "jwt"
	TokenFormatReference = "reference"
)

// Config used for the application configuration, loading the input from environment variables
type Config struct {
	// Server Configuration
	Port int    `json:"port"`
	Host string `json:"host"`

	// Provider configuration
	Issuer         string `json:"issuer"`
	ProviderConfig string `json:"provider_config"`
	TokenFormat    string `json:"token_format"`

	// Token lifetimes
	AccessTokenTTL  time.Duration `json:"access_token_ttl"`
	RefreshTokenTTL time.Duration `json:"refresh_token_ttl"`
	CodeTTL         time.Duration `json:"code_ttl"`

	// Database configuration
	DBDriver   string `json:"db_driver"`
	DBPath     string `json:"db_path"`
	DBHost     string `json:"db_host"`
	DBPort     string `json:"db_port"`
	DBName     string `json:"db_name"`
	DBUser     string `json:"db_user"`
	DBPassword string `json:"db_password"`
	DBSSLMode  string `json:"db_ssl_mode"`

	// Logging configuration
	LogLevel string `json:"log_level"`

	// Security Configuration
	JWTSecret string `json:"jwt_secret"`
}

// String returns a string representation of Config with sensitive data masked
func (c *Config) String() string {
	return fmt.Sprintf("Config{Port: %d, Host: %s, Issuer: %s, ProviderConfig: %s, TokenFormat: %s, AccessTokenTTL: %s, RefreshTokenTTL: %s, CodeTTL: %s, DBDriver: %s, DBName: %s, DBUser: %s, DBPassword: [REDACTED], LogLevel: %s, JWTSecret: [REDACTED]}",
		c.Port, c.Host, c.Issuer, c.ProviderConfig, c.TokenFormat, c.AccessTokenTTL, c.RefreshTokenTTL, c.CodeTTL, c.DBDriver, c.DBName, c.DBUser, c.LogLevel)
}

// LoadConfig read the proper configuration from environment variables and returns a Config struct
// It also validates formats like Issuer and TokenFormat
// Returns an error if any required environment variable is missing or invalid
func LoadConfig() (*Config, error) {
	log.Info("Loading configuration from environment variables")
	port, err := strconv.Atoi(GetEnvWithDefault("APP_PORT", "8080"))
	if err != nil {
		return nil, err
	}

	issuer := GetEnvWithDefault("ISSUER", "http://localhost:5001")
	if _, err := url.ParseRequestURI(issuer); err != nil {
		return nil, fmt.Errorf("invalid ISSUER format: %s", issuer)
	}

	tokenFormat := GetEnvWithDefault("TOKEN_FORMAT", TokenFormatJWT)
	if tokenFormat != TokenFormatJWT && tokenFormat != TokenFormatReference {
		return nil, errors.New("TOKEN_FORMAT must be 'jwt' or 'reference'")
	}

	config := &Config{
		Port:            port,
		Host:            GetEnvWithDefault("APP_HOST", "localhost"),
		Issuer:          issuer,
		ProviderConfig:  GetEnvWithDefault("PROVIDER_CONFIG", "provider.yaml"),
		TokenFormat:     tokenFormat,
		AccessTokenTTL:  time.Duration(GetEnvAsType("ACCESS_TOKEN_TTL", 3600)) * time.Second,
		RefreshTokenTTL: time.Duration(GetEnvAsType("REFRESH_TOKEN_TTL", 2592000)) * time.Second,
		CodeTTL:         time.Duration(GetEnvAsType("CODE_TTL", 60)) * time.Second,
		DBDriver:        GetEnvWithDefault("DB_DRIVER", "sqlite"),
		DBPath:          GetEnvWithDefault("DB_PATH", "gallery-auth.sqlite"),
		DBHost:          GetEnvWithDefault("DB_HOST", "localhost"),
		DBPort:          GetEnvWithDefault("DB_PORT", "5432"),
		DBName:          GetEnvWithDefault("DB_NAME", "galleryauth"),
		DBUser:          GetEnvWithDefault("DB_USER", "user"),
		DBPassword:      GetEnvWithDefault("DB_PASSWORD", "password"),
		DBSSLMode:       GetEnvWithDefault("DB_SSL_MODE", "disable"),
		LogLevel:        GetEnvWithDefault("LOG_LEVEL", "info"),
		JWTSecret:       GetEnvWithDefault("JWT_SECRET", "secret"),
	}
	log.Infof("Configuration loaded: %s", config.String())
	return config, nil
}

// Helper to get environment with default values
func GetEnvWithDefault(key, defaultValue string) string {
	log.Tracef("Getting environment variable: %s", key)
	value := os.Getenv(key)
	if value == "" {
		log.Warnf("Environment variable %s not set, using default value: %s", key, defaultValue)
		return defaultValue
	}
	return value
}

// GetEnvAsType retrieves an environment variable and converts it to the specified type
// using generic type handling.
func GetEnvAsType[T any](key string, defaultValue T) T {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result T
	switch any(result).(type) {
	case int:
		intValue, err := strconv.Atoi(value)
		if err != nil {
			return defaultValue
		}
		return any(intValue).(T)
	case string:
		return any(value).(T)
	case bool:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			return defaultValue
		}
		return any(boolValue).(T)
	default:
		return defaultValue // Fallback for unsupported types
	}
}
