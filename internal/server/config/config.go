// Package config handles configuration for the curation server, including
// defaults, JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for the curation server.
//
// Fields:
//   - EndpointAddrHTTP: bind address for the JSON API.
//   - DataDir: root of the filesystem record store; used when DatabaseDSN is empty.
//   - DatabaseDSN: PostgreSQL DSN (pgx). Non-empty selects the postgres store.
//   - LedgerPath: publish-ledger file location.
//   - AdminUser / AdminPassword: moderator credentials.
//   - SecretKey: HMAC secret for signing session JWTs (HS256). Do not use test defaults in prod.
//   - TokenValidityDuration: session token lifetime.
//   - S3AccessKey / S3SecretKey: credentials for the S3-compatible dataset hub.
//   - S3Bucket / S3Region / S3BaseEndpoint: object storage settings.
//   - UploadTimeout: per-record deadline when pushing to the hub.
//   - AllowOrigins: CORS allowlist for the moderation frontend.
type Config struct {
	EndpointAddrHTTP      string
	DataDir               string
	DatabaseDSN           string
	LedgerPath            string
	AdminUser             string
	AdminPassword         string
	SecretKey             string
	TokenValidityDuration time.Duration
	S3AccessKey           string
	S3SecretKey           string
	S3Bucket              string
	S3Region              string
	S3BaseEndpoint        string
	UploadTimeout         time.Duration
	AllowOrigins          []string
}

// LoadDefaults populates Config with development defaults.
// NOTE: These values are insecure for production and should be overridden.
func (c *Config) LoadDefaults() {
	c.EndpointAddrHTTP = ":8080"
	c.DataDir = "./data"
	c.DatabaseDSN = ""
	c.LedgerPath = "./data/push_ledger.json"
	c.AdminUser = "admin"
	c.AdminPassword = "adminpassword"
	c.SecretKey = "secretKey"
	c.TokenValidityDuration = 60 * time.Minute
	c.S3AccessKey = "admin"
	c.S3SecretKey = "secretpassword"
	c.S3Bucket = "curated"
	c.S3Region = "us-east-1"
	c.S3BaseEndpoint = "http://127.0.0.1:9000/"
	c.UploadTimeout = 30 * time.Second
	c.AllowOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
