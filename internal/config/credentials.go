package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Credentials holds the saved name-lookup service credentials.
type Credentials struct {
	ClientID string `yaml:"client_id"`
	Token    string `yaml:"token"`
}

// CredentialsPath returns the per-user credentials file location.
func CredentialsPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("%w: locating config dir: %v", ErrConfig, err)
	}
	return filepath.Join(dir, "romforge", "credentials.yaml"), nil
}

// LoadCredentials reads the saved credentials. A missing file is not an
// error; it returns empty credentials.
func LoadCredentials() (Credentials, error) {
	var creds Credentials
	path, err := CredentialsPath()
	if err != nil {
		return creds, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return creds, nil
	}
	if err != nil {
		return creds, fmt.Errorf("%w: reading %s: %v", ErrConfig, path, err)
	}
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return creds, fmt.Errorf("%w: parsing %s: %v", ErrConfig, path, err)
	}
	return creds, nil
}

// SaveCredentials writes the credentials atomically with owner-only
// permissions.
func SaveCredentials(creds Credentials) error {
	path, err := CredentialsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrConfig, filepath.Dir(path), err)
	}
	data, err := yaml.Marshal(creds)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".credentials-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: writing %s: %v", ErrConfig, tmpName, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: saving %s: %v", ErrConfig, path, err)
	}
	return nil
}
