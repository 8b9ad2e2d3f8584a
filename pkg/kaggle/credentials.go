package kaggle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoCredentials is returned when no source yields a username and key.
var ErrNoCredentials = errors.New("kaggle credentials not found")

// Credentials authenticate API calls (HTTP basic auth).
type Credentials struct {
	Username string `json:"username"`
	Key      string `json:"key"`
}

func (c Credentials) valid() bool {
	return strings.TrimSpace(c.Username) != "" && strings.TrimSpace(c.Key) != ""
}

// CredentialSources lists where ResolveCredentials looks, in priority order:
// explicit values, then KAGGLE_USERNAME/KAGGLE_KEY, then the kaggle.json file.
type CredentialSources struct {
	Username string
	Key      string

	// File is the kaggle.json path, usually ~/.kaggle/kaggle.json.
	File string

	// SecretFile, when set, is copied to File (mode 0600) if File is absent.
	SecretFile string

	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Environment variables consulted when resolving credentials.
const (
	EnvUsername  = "KAGGLE_USERNAME"
	EnvKey       = "KAGGLE_KEY"
	EnvConfigDir = "KAGGLE_CONFIG_DIR"
)

// CredentialEnv lists every variable that can change which credentials a
// process resolves.
var CredentialEnv = []string{EnvUsername, EnvKey, EnvConfigDir}

// DefaultCredentialsFile returns ~/.kaggle/kaggle.json, honouring KAGGLE_CONFIG_DIR.
func DefaultCredentialsFile() string {
	if dir := strings.TrimSpace(os.Getenv(EnvConfigDir)); dir != "" {
		return filepath.Join(dir, "kaggle.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".kaggle", "kaggle.json")
	}
	return filepath.Join(home, ".kaggle", "kaggle.json")
}

// ResolveCredentials returns the first complete credential pair.
func ResolveCredentials(src CredentialSources) (Credentials, error) {
	explicit := Credentials{Username: src.Username, Key: src.Key}
	if explicit.valid() {
		return explicit, nil
	}

	getenv := src.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	env := Credentials{Username: getenv(EnvUsername), Key: getenv(EnvKey)}
	if env.valid() {
		return env, nil
	}

	file := strings.TrimSpace(src.File)
	if file == "" {
		file = DefaultCredentialsFile()
	}
	creds, err := readCredentialsFile(file)
	if err == nil {
		return creds, nil
	}
	if !errors.Is(err, fs.ErrNotExist) || strings.TrimSpace(src.SecretFile) == "" {
		return Credentials{}, err
	}

	if err := InstallSecret(src.SecretFile, file); err != nil {
		return Credentials{}, err
	}
	return readCredentialsFile(file)
}

func readCredentialsFile(path string) (Credentials, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Credentials{}, fmt.Errorf("%w: %s: %w", ErrNoCredentials, path, fs.ErrNotExist)
		}
		return Credentials{}, fmt.Errorf("read kaggle credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(b, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if !creds.valid() {
		return Credentials{}, fmt.Errorf("%w: %s has no username/key", ErrNoCredentials, path)
	}
	return creds, nil
}

// InstallSecret copies a kaggle.json secret into place and restricts it to
// the owner, which the Kaggle tooling insists on.
func InstallSecret(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open kaggle secret: %w", err)
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return fmt.Errorf("create kaggle config dir: %w", err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create kaggle credentials: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy kaggle secret: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, 0o600)
}
