// Package archive copies downloaded run output to S3 or S3-compatible storage.
package archive

import (
	"net/url"
	"strings"
)

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Config configures an Archiver.
//
// Credentials follow the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set. For S3-compatible stores (MinIO, Wasabi) set
// Endpoint and usually ForcePathStyle.
type Config struct {
	// URI is the destination root, "s3://bucket" or "s3://bucket/prefix".
	URI string

	// Region is the AWS region. When empty and no Endpoint is set, the SDK
	// chain is consulted and us-east-1 is the last resort.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile is the shared-config profile name.
	Profile string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the path instead of the host name.
	ForcePathStyle bool

	// DetectRegion asks the EC2 instance metadata service for the region
	// when Region is empty. Ignored for custom endpoints.
	DetectRegion bool
}

// Enabled reports whether an archive destination is configured.
func (c *Config) Enabled() bool {
	return strings.TrimSpace(c.URI) != ""
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if _, _, err := ParseURI(c.URI); err != nil {
		return err
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ParseURI splits "s3://bucket/prefix" into bucket and prefix. The prefix has
// no leading slash and, when non-empty, a trailing one.
func ParseURI(raw string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", &ConfigError{Field: "URI", Message: "archive uri is required"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", &ConfigError{Field: "URI", Message: err.Error()}
	}
	if u.Scheme != "s3" {
		return "", "", &ConfigError{Field: "URI", Message: "scheme must be s3://"}
	}
	if u.Host == "" {
		return "", "", &ConfigError{Field: "URI", Message: "bucket name is required"}
	}
	prefix := strings.Trim(u.Path, "/")
	if prefix != "" {
		prefix += "/"
	}
	return u.Host, prefix, nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "archive config: " + e.Field + ": " + e.Message
}

// resolveRegion applies the us-east-1 fallback for AWS S3 only; S3-compatible
// endpoints get no default.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
