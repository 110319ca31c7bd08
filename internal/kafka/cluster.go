// Package kafka holds the connection security settings shared by every Kafka client the job opens.
package kafka

import (
	"errors"
	"fmt"
	"os"
)

// Security defines SASL and TLS settings for a Kafka connection. Brokers come
// from the validated source descriptor, not from here.
type Security struct {
	Auth AuthConfig `yaml:"auth,omitempty"`
	TLS  TLSConfig  `yaml:"tls,omitempty"`
}

// AuthConfig defines SASL authentication for Kafka.
type AuthConfig struct {
	Mechanism   string `yaml:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username    string `yaml:"username"`
	Password    string `yaml:"password,omitempty"`
	PasswordEnv string `yaml:"passwordEnv,omitempty"` // read the password from this variable instead
}

// TLSConfig defines TLS settings for Kafka connections.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"caFile,omitempty"`
	CertFile   string `yaml:"certFile,omitempty"` // For mTLS
	KeyFile    string `yaml:"keyFile,omitempty"`  // For mTLS
	SkipVerify bool   `yaml:"skipVerify,omitempty"`
}

var validMechanisms = map[string]bool{
	"PLAIN":         true,
	"SCRAM-SHA-256": true,
	"SCRAM-SHA-512": true,
}

// password resolves the SASL password, preferring PasswordEnv when set.
func (a AuthConfig) password() string {
	if a.PasswordEnv != "" {
		return os.Getenv(a.PasswordEnv)
	}
	return a.Password
}

// Validate checks the security configuration for errors.
func (s *Security) Validate() error {
	var errs []error

	if s.Auth.Mechanism != "" {
		if !validMechanisms[s.Auth.Mechanism] {
			errs = append(errs, fmt.Errorf("auth.mechanism %q is not valid (must be PLAIN, SCRAM-SHA-256, or SCRAM-SHA-512)", s.Auth.Mechanism))
		}
		if s.Auth.Username == "" {
			errs = append(errs, errors.New("auth.username is required when mechanism is set"))
		}
		if s.Auth.password() == "" {
			errs = append(errs, errors.New("auth.password (or a non-empty auth.passwordEnv) is required when mechanism is set"))
		}
	}

	if s.TLS.CertFile != "" && s.TLS.KeyFile == "" {
		errs = append(errs, errors.New("tls.keyFile is required when certFile is specified"))
	}
	if s.TLS.KeyFile != "" && s.TLS.CertFile == "" {
		errs = append(errs, errors.New("tls.certFile is required when keyFile is specified"))
	}
	if !s.TLS.Enabled && (s.TLS.CAFile != "" || s.TLS.CertFile != "") {
		errs = append(errs, errors.New("tls.enabled must be true when TLS files are configured"))
	}

	return errors.Join(errs...)
}
