// Package credfile handles reading and writing the OAuth2 credential file.
// The file is a flat JSON object holding access_token, refresh_token,
// client_id, client_secret and any other field the token endpoint returned.
// This is a leaf package imported by drive/ and the CLI.
package credfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
)

// FilePerms restricts credential files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the credential directory.
const DirPerms = 0o700

// UnsetAccessToken is the access token placeholder used before a credential
// file has been loaded or granted.
const UnsetAccessToken = "N/A"

// Well-known credential keys.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyClientID     = "client_id"
	KeyClientSecret = "client_secret"
)

// ErrCorrupt is returned by Load when the file exists but cannot be decoded.
// The returned Credential is still usable (it is the default credential).
var ErrCorrupt = errors.New("credfile: corrupt credential file")

// Credential is the in-memory form of the credential file. Unknown
// provider-issued fields are preserved verbatim so they survive a
// load/save round trip.
type Credential map[string]any

// Default returns the credential used when no file exists yet.
func Default() Credential {
	return Credential{KeyAccessToken: UnsetAccessToken}
}

// AccessToken returns the current access token, or UnsetAccessToken.
func (c Credential) AccessToken() string {
	if s := c.str(KeyAccessToken); s != "" {
		return s
	}

	return UnsetAccessToken
}

func (c Credential) RefreshToken() string { return c.str(KeyRefreshToken) }
func (c Credential) ClientID() string     { return c.str(KeyClientID) }
func (c Credential) ClientSecret() string { return c.str(KeyClientSecret) }

func (c Credential) str(key string) string {
	s, _ := c[key].(string)
	return s
}

// Clone returns a shallow copy. Values are JSON scalars or decoded JSON
// trees that are never mutated after decode.
func (c Credential) Clone() Credential {
	return maps.Clone(c)
}

// Load reads a credential file from disk. A missing file yields Default()
// and a nil error. An empty or undecodable file yields Default() and an error
// wrapping ErrCorrupt so the caller can log it and carry on.
func Load(path string) (Credential, error) {
	cred := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cred, nil
	}

	if err != nil {
		return cred, fmt.Errorf("credfile: reading %s: %w", path, err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return cred, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
	}

	maps.Copy(cred, fields)

	// A stored null or empty access token must not erase the placeholder.
	if s, ok := cred[KeyAccessToken].(string); !ok || s == "" {
		cred[KeyAccessToken] = UnsetAccessToken
	}

	return cred, nil
}

// Save writes a credential file to disk atomically (write-to-temp + rename)
// with 0600 permissions. Output is indented and, because encoding/json sorts
// map keys, key order is stable between saves. Never logs token values.
func Save(path string, cred Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("credfile: encoding: %w", err)
	}

	data = append(data, '\n')

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("credfile: creating directory %s: %w", dir, mkErr)
	}

	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".credential-*.tmp")
	if err != nil {
		return fmt.Errorf("credfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("credfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("credfile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("credfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("credfile: renaming: %w", err)
	}

	success = true

	return nil
}
