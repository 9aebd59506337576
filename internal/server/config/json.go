package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/mozhii/curator/internal/flagx"
	"github.com/mozhii/curator/internal/timex"
)

// JsonConfig is the intermediate DTO for JSON configuration files. It uses
// timex.Duration for interval fields, which parses both string values such
// as "30s" and integer nanoseconds. After unmarshalling, its fields are
// copied into the runtime Config.
type JsonConfig struct {
	EndpointAddrHTTP      string         `json:"endpoint_addr_http"`
	DataDir               string         `json:"data_dir"`
	DatabaseDSN           string         `json:"database_dsn"`
	LedgerPath            string         `json:"ledger_path"`
	AdminUser             string         `json:"admin_user"`
	AdminPassword         string         `json:"admin_password"`
	SecretKey             string         `json:"secret_key"`
	TokenValidityDuration timex.Duration `json:"token_validity_duration"`
	S3AccessKey           string         `json:"s3_access_key"`
	S3SecretKey           string         `json:"s3_secret_key"`
	S3Bucket              string         `json:"s3_bucket"`
	S3Region              string         `json:"s3_region"`
	S3BaseEndpoint        string         `json:"s3_base_endpoint"`
	UploadTimeout         timex.Duration `json:"upload_timeout"`
	AllowOrigins          []string       `json:"allow_origins"`
}

// parseJson loads configuration values from the JSON file named by the
// -c/-config flags into the provided Config. When no file is named nothing
// is loaded. An unreadable or invalid file panics: a half-applied config is
// worse than a refused start.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	config.EndpointAddrHTTP = c.EndpointAddrHTTP
	config.DataDir = c.DataDir
	config.DatabaseDSN = c.DatabaseDSN
	config.LedgerPath = c.LedgerPath
	config.AdminUser = c.AdminUser
	config.AdminPassword = c.AdminPassword
	config.SecretKey = c.SecretKey
	config.TokenValidityDuration = time.Duration(c.TokenValidityDuration.Duration)
	config.S3AccessKey = c.S3AccessKey
	config.S3SecretKey = c.S3SecretKey
	config.S3Bucket = c.S3Bucket
	config.S3Region = c.S3Region
	config.S3BaseEndpoint = c.S3BaseEndpoint
	config.UploadTimeout = time.Duration(c.UploadTimeout.Duration)
	config.AllowOrigins = c.AllowOrigins
}
