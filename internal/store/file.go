package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/nkiryanov/campusportal/internal/apperrors"
	"github.com/nkiryanov/campusportal/internal/models"
)

const (
	appDirName      = "campusportal"
	sessionFileName = "session.yaml"

	// The file holds bearer credentials: owner only
	fileMode = 0o600
	dirMode  = 0o700
)

// On-disk document
type sessionFile struct {
	Version     int                   `yaml:"version"`
	Credentials models.CredentialPair `yaml:"credentials"`
}

// File keeps the pair in a YAML document inside the user config directory.
// Writes go to a temp file in the same directory which is then renamed over
// the old one, so readers see either the previous or the new pair.
type File struct {
	path string
}

func NewFile(path string) *File {
	return &File{path: path}
}

// DefaultPath returns <user config dir>/campusportal/<profile>/session.yaml
func DefaultPath(profile string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("can't locate user config dir: %w", err)
	}
	if profile == "" {
		profile = "default"
	}

	return filepath.Join(dir, appDirName, profile, sessionFileName), nil
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Load(_ context.Context) (models.CredentialPair, bool, error) {
	data, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return models.CredentialPair{}, false, nil
	case err != nil:
		return models.CredentialPair{}, false, apperrors.NewStorageError("load", err)
	}

	var doc sessionFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return models.CredentialPair{}, false, apperrors.NewStorageError("load", fmt.Errorf("corrupted session file %s: %w", f.path, err))
	}

	if doc.Credentials.IsZero() {
		return models.CredentialPair{}, false, nil
	}
	return doc.Credentials, true, nil
}

func (f *File) Save(_ context.Context, pair models.CredentialPair) error {
	if pair.IsZero() {
		return apperrors.NewStorageError("save", errors.New("access token must not be empty"))
	}

	data, err := yaml.Marshal(sessionFile{Version: 1, Credentials: pair})
	if err != nil {
		return apperrors.NewStorageError("save", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return apperrors.NewStorageError("save", err)
	}

	tmp, err := os.CreateTemp(dir, "."+sessionFileName+".*")
	if err != nil {
		return apperrors.NewStorageError("save", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // nolint:errcheck // no-op after successful rename

	if err := writeAndSync(tmp, data); err != nil {
		return apperrors.NewStorageError("save", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return apperrors.NewStorageError("save", err)
	}

	return nil
}

func (f *File) Clear(_ context.Context) error {
	err := os.Remove(f.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperrors.NewStorageError("clear", err)
	}
	return nil
}

func writeAndSync(file *os.File, data []byte) error {
	if err := file.Chmod(fileMode); err != nil {
		_ = file.Close()
		return err
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
