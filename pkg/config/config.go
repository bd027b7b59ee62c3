package config

import "os"

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string

	// MasterKeyHex is the hex-encoded 32-byte key protecting external IDs
	// and MFA secrets at rest. Required outside development.
	MasterKeyHex string
	// AnchorKeyHex is the hex-encoded HMAC key signing audit anchors.
	AnchorKeyHex string
	// SessionSecret signs operator session tokens.
	SessionSecret string

	// AnchorStorageType selects the anchor object store ("none", "s3",
	// "gcs"). The backend reads its own bucket and region variables.
	AnchorStorageType string

	// PriceTablePath and RiskWeightsPath override the built-in tables;
	// CatalogOverlayPath extends the action catalog.
	PriceTablePath     string
	RiskWeightsPath    string
	CatalogOverlayPath string
	// ProfilesDir holds the per-environment governance profiles.
	ProfilesDir string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to local generic postgres
		dbURL = "postgres://cloudwarden@localhost:5432/cloudwarden?sslmode=disable"
	}

	anchorType := os.Getenv("ANCHOR_STORAGE_TYPE")
	if anchorType == "" {
		anchorType = "none"
	}

	return &Config{
		Port:               port,
		LogLevel:           logLevel,
		DatabaseURL:        dbURL,
		RedisURL:           os.Getenv("REDIS_URL"),
		MasterKeyHex:       os.Getenv("MASTER_KEY"),
		AnchorKeyHex:       os.Getenv("ANCHOR_KEY"),
		SessionSecret:      os.Getenv("SESSION_SECRET"),
		AnchorStorageType:  anchorType,
		PriceTablePath:     os.Getenv("PRICING_TABLE"),
		RiskWeightsPath:    os.Getenv("RISK_WEIGHTS"),
		CatalogOverlayPath: os.Getenv("CATALOG_OVERLAY"),
		ProfilesDir:        os.Getenv("PROFILES_DIR"),
	}
}
