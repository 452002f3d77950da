// Package tokenfile persists delegated credentials: one refresh token per
// account plus the most recent access token for each audience it was
// exchanged for. Leaf package; auth/ is the only importer.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the tokens directory.
const DirPerms = 0o700

// File is the on-disk format.
type File struct {
	Tenant       string                   `json:"tenant,omitempty"`
	ClientID     string                   `json:"client_id,omitempty"`
	RefreshToken string                   `json:"refresh_token"`
	Audiences    map[string]*oauth2.Token `json:"audiences,omitempty"`
}

// AccessToken returns the cached token for authority, if any.
func (f *File) AccessToken(authority string) *oauth2.Token {
	if f.Audiences == nil {
		return nil
	}

	return f.Audiences[authority]
}

// SetAccessToken caches tok for authority. A rotated refresh token on tok
// replaces the account's refresh token.
func (f *File) SetAccessToken(authority string, tok *oauth2.Token) {
	if f.Audiences == nil {
		f.Audiences = make(map[string]*oauth2.Token)
	}

	if tok.RefreshToken != "" {
		f.RefreshToken = tok.RefreshToken
	}

	// Refresh tokens live at the account level only.
	stored := *tok
	stored.RefreshToken = ""
	f.Audiences[authority] = &stored
}

// Load reads a token file. Returns (nil, nil) if the file does not exist.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var tf File
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if tf.RefreshToken == "" {
		return nil, fmt.Errorf("tokenfile: %s has no refresh token (re-login required)", path)
	}

	return &tf, nil
}

// Save writes a token file atomically (write-to-temp + rename) with 0600
// permissions. Never logs token values.
func Save(path string, tf *File) error {
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
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
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

// updateMu serializes read-modify-write cycles within the process. Many
// sessions refresh tokens for different audiences concurrently.
var updateMu sync.Mutex

// Update loads the file at path, applies fn and saves the result. fails if
// no file exists.
func Update(path string, fn func(*File)) error {
	updateMu.Lock()
	defer updateMu.Unlock()

	tf, err := Load(path)
	if err != nil {
		return err
	}

	if tf == nil {
		return fmt.Errorf("tokenfile: no token file at %s", path)
	}

	fn(tf)

	return Save(path, tf)
}

// Remove deletes the token file. A missing file is not an error.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tokenfile: removing %s: %w", path, err)
	}

	return nil
}
