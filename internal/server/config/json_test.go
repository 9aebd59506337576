package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJson(t *testing.T) {
	dir := t.TempDir()
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	t.Run("valid file overlays config", func(t *testing.T) {
		path := filepath.Join(dir, "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"endpoint_addr_http": ":7000",
			"data_dir": "/var/lib/curator",
			"database_dsn": "postgres://x",
			"ledger_path": "/var/lib/curator/ledger.json",
			"admin_user": "moderator",
			"admin_password": "pw",
			"secret_key": "my_secret_key",
			"token_validity_duration": "45m",
			"s3_access_key": "ak",
			"s3_secret_key": "sk",
			"s3_bucket": "bucket",
			"s3_region": "region",
			"s3_base_endpoint": "base_endpoint",
			"upload_timeout": "10s",
			"allow_origins": ["http://one", "http://two"]
		}`), 0o600))

		os.Args = []string{"testbin", "-config", path}

		cfg := &Config{}
		cfg.LoadDefaults()
		parseJson(cfg)

		assert.Equal(t, ":7000", cfg.EndpointAddrHTTP)
		assert.Equal(t, "/var/lib/curator", cfg.DataDir)
		assert.Equal(t, "postgres://x", cfg.DatabaseDSN)
		assert.Equal(t, "/var/lib/curator/ledger.json", cfg.LedgerPath)
		assert.Equal(t, "moderator", cfg.AdminUser)
		assert.Equal(t, "my_secret_key", cfg.SecretKey)
		assert.Equal(t, 45*time.Minute, cfg.TokenValidityDuration)
		assert.Equal(t, "bucket", cfg.S3Bucket)
		assert.Equal(t, "base_endpoint", cfg.S3BaseEndpoint)
		assert.Equal(t, 10*time.Second, cfg.UploadTimeout)
		assert.Equal(t, []string{"http://one", "http://two"}, cfg.AllowOrigins)
	})

	t.Run("no config flag leaves config untouched", func(t *testing.T) {
		os.Args = []string{"testbin"}

		cfg := &Config{EndpointAddrHTTP: "defaults:1234", DataDir: "./d"}
		parseJson(cfg)

		assert.Equal(t, "defaults:1234", cfg.EndpointAddrHTTP)
		assert.Equal(t, "./d", cfg.DataDir)
	})

	t.Run("invalid JSON panics", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`{ this is not valid json`), 0o600))

		os.Args = []string{"testbin", "-config", bad}

		assert.Panics(t, func() {
			cfg := &Config{}
			parseJson(cfg)
		})
	})
}
