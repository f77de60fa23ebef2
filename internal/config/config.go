// Package config loads the server's environment-variable configuration
// surface, following the same getEnv/getEnvBool/Validate shape as the
// source this project was built from.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the SCEP server's configuration (SPEC_FULL.md §6).
type Config struct {
	// ListenAddr is the address the HTTP transport shim binds.
	ListenAddr string

	// CARoot is the filesystem directory containing ca.key, ca.pem, and
	// serial (spec.md §6).
	CARoot string

	// ForceDegenerateForSingleCert wraps GetCACert's single-certificate
	// reply in degenerate CMS instead of bare DER.
	ForceDegenerateForSingleCert bool

	// CommonName is the CA certificate's CommonName, used only on first
	// bootstrap.
	CommonName string
	// Organization is an optional CA certificate Organization.
	Organization string
	// CALifetime is the self-signed CA certificate's validity window,
	// used only on first bootstrap.
	CALifetime time.Duration
	// KeyBits is the CA RSA modulus size in bits.
	KeyBits int

	// DeviceCertLifetime is the validity window granted to issued
	// end-entity certificates.
	DeviceCertLifetime time.Duration

	// Challenge is the optional fixed challengePassword secret. When
	// empty, challenge validation is permissive (spec.md §7).
	Challenge string

	// CertLogPath is the SQLite database path for the issued-certificate
	// audit log. Empty disables the log (and GetCertInitial lookups).
	CertLogPath string
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() *Config {
	return &Config{
		ListenAddr: getEnv("SCEP_LISTEN_ADDR", ":8080"),

		CARoot:                       getEnv("CA_ROOT", "./ca"),
		ForceDegenerateForSingleCert: getEnvBool("FORCE_DEGENERATE_FOR_SINGLE_CERT", false),

		CommonName:   getEnv("SCEP_CA_COMMON_NAME", "SCEP CA"),
		Organization: getEnv("SCEP_CA_ORGANIZATION", ""),
		CALifetime:   getEnvDuration("SCEP_CA_LIFETIME", 10*365*24*time.Hour),
		KeyBits:      getEnvInt("SCEP_CA_KEY_BITS", 2048),

		DeviceCertLifetime: getEnvDuration("SCEP_DEVICE_CERT_LIFETIME", 365*24*time.Hour),

		Challenge: getEnv("CHALLENGE", ""),

		CertLogPath: getEnv("SCEP_CERTLOG_PATH", ""),
	}
}

// Validate checks that the configuration is usable before the server binds
// a listener or touches the CA keystore.
func (c *Config) Validate() error {
	if c.CARoot == "" {
		return fmt.Errorf("CA_ROOT is required")
	}
	if c.CommonName == "" {
		return fmt.Errorf("SCEP_CA_COMMON_NAME is required")
	}
	if c.KeyBits < 2048 {
		return fmt.Errorf("SCEP_CA_KEY_BITS must be >= 2048, got %d", c.KeyBits)
	}
	if c.CALifetime <= 0 {
		return fmt.Errorf("SCEP_CA_LIFETIME must be positive")
	}
	if c.DeviceCertLifetime <= 0 {
		return fmt.Errorf("SCEP_DEVICE_CERT_LIFETIME must be positive")
	}
	if c.Challenge == "" {
		fmt.Println("WARNING: no CHALLENGE configured; challengePassword validation is permissive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		n, err := strconv.Atoi(value)
		if err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
