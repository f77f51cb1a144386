package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/secvault/internal/flagx"
	"github.com/dmitrijs2005/secvault/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It uses timex.Duration for interval fields, which
// allows parsing both string values such as "15m" and integer
// nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON
// configuration files. After unmarshalling, its fields are copied into
// the runtime Config struct which uses time.Duration.
type JsonConfig struct {
	DatabaseDSN    string         `json:"database_dsn"`
	KeyMethod      string         `json:"key_method"`
	Profile        string         `json:"profile"`
	MaxConnections int            `json:"max_connections"`
	BackupInterval timex.Duration `json:"backup_interval"`
	S3RootUser     string         `json:"s3_root_user"`
	S3RootPassword string         `json:"s3_root_password"`
	S3Bucket       string         `json:"s3_bucket"`
	S3Region       string         `json:"s3_region"`
	S3BaseEndpoint string         `json:"s3_base_endpoint"`
}

// parseJson loads configuration values from a JSON file into the
// provided Config instance.
//
// The lookup order for the JSON file path is:
//
//	The -c or -config command-line flags.
//	If it is not set, no JSON file is loaded.
//
// If the file cannot be read or contains invalid JSON, the function
// panics. The caller is expected to merge these values with defaults
// and command-line flags as part of the full configuration process.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	config.DatabaseDSN = c.DatabaseDSN
	config.KeyMethod = c.KeyMethod
	config.Profile = c.Profile
	config.MaxConnections = c.MaxConnections
	config.BackupInterval = time.Duration(c.BackupInterval.Duration)
	config.S3RootUser = c.S3RootUser
	config.S3RootPassword = c.S3RootPassword
	config.S3Bucket = c.S3Bucket
	config.S3Region = c.S3Region
	config.S3BaseEndpoint = c.S3BaseEndpoint
}
