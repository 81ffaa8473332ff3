package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Config holds all agent configuration
type Config struct {
	NodeEnv   string
	Port      string
	ServerURL string
	DeviceID  string
	DataDir   string
	LogFile   string
	Database  DatabaseConfig
	Auth      AuthConfig
}

// DatabaseConfig holds local store configuration
type DatabaseConfig struct {
	Driver   string // sqlite, embedded, postgres
	Path     string // sqlite file path
	Host     string
	Port     string
	Username string
	Password string
	Database string
}

// AuthConfig holds transport authentication configuration
type AuthConfig struct {
	Token        string
	RefreshToken string
	RefreshURL   string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	serverURL := os.Getenv("SYNC_SERVER_URL")
	if serverURL == "" {
		return nil, fmt.Errorf("SYNC_SERVER_URL is required")
	}

	dataDir := getEnv("DATA_DIR", "./data")

	return &Config{
		NodeEnv:   getEnv("NODE_ENV", "development"),
		Port:      getEnv("PORT", "3001"),
		ServerURL: serverURL,
		DeviceID:  os.Getenv("DEVICE_ID"), // empty = generated on first run, persisted with the cursor
		DataDir:   dataDir,
		LogFile:   getEnv("LOG_FILE", filepath.Join(dataDir, "agent.log")),
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "sqlite"),
			Path:     getEnv("DB_PATH", filepath.Join(dataDir, "fieldsync.db")),
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     getEnv("PG_PORT", "5432"),
			Username: getEnv("PG_USERNAME", "postgres"),
			Password: os.Getenv("PG_PASSWORD"),
			Database: getEnv("PG_DATABASE", "fieldsync"),
		},
		Auth: AuthConfig{
			Token:        os.Getenv("SYNC_TOKEN"),
			RefreshToken: os.Getenv("SYNC_REFRESH_TOKEN"),
			RefreshURL:   getEnv("SYNC_REFRESH_URL", serverURL+"/auth/refresh"),
		},
	}, nil
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
