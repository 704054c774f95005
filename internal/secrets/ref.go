// Package secrets resolves secret references used in configuration, such as
// API bearer tokens, without putting the secret itself in the config file.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrSecretRef = errors.New("invalid secret reference")

const (
	schemeEnv  = "env"
	schemeFile = "file"
	schemeRaw  = "raw"
)

// parseRef splits "scheme:value". Raw values keep their whitespace.
func parseRef(ref string) (scheme, value string, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", fmt.Errorf("%w: empty", ErrSecretRef)
	}
	scheme, value, ok := strings.Cut(ref, ":")
	if !ok {
		return "", "", fmt.Errorf("%w: missing scheme (use env:, file: or raw:)", ErrSecretRef)
	}
	switch scheme {
	case schemeEnv, schemeFile:
		value = strings.TrimSpace(value)
	case schemeRaw:
	default:
		return "", "", fmt.Errorf("%w: unsupported scheme %q (use env:, file: or raw:)", ErrSecretRef, scheme)
	}
	if value == "" {
		return "", "", fmt.Errorf("%w: %s reference has no value", ErrSecretRef, scheme)
	}
	return scheme, value, nil
}

// ValidateRef checks the reference syntax without reading the secret.
//
// Supported forms:
//   - env:NAME
//   - file:/path/to/secret
//   - raw:literal (tests and local development)
func ValidateRef(ref string) error {
	_, _, err := parseRef(ref)
	return err
}

// LoadRef reads the secret a reference points to. File contents are trimmed.
func LoadRef(ref string) ([]byte, error) {
	scheme, value, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case schemeEnv:
		v := os.Getenv(value)
		if v == "" {
			return nil, fmt.Errorf("%w: env var %q is empty or missing", ErrSecretRef, value)
		}
		return []byte(v), nil
	case schemeFile:
		b, err := os.ReadFile(value)
		if err != nil {
			return nil, err
		}
		v := strings.TrimSpace(string(b))
		if v == "" {
			return nil, fmt.Errorf("%w: file %q is empty", ErrSecretRef, value)
		}
		return []byte(v), nil
	default:
		return []byte(value), nil
	}
}

// LoadAll resolves every reference, failing on the first that does not load.
func LoadAll(refs []string) ([][]byte, error) {
	out := make([][]byte, 0, len(refs))
	for i, ref := range refs {
		v, err := LoadRef(ref)
		if err != nil {
			return nil, fmt.Errorf("secret[%d]: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
