// Package imagestore keeps generated images as PNG files named by image id.
package imagestore

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/comigor/unichat-go/internal/apperr"
)

const ext = ".png"

// Store writes and reads image files under one directory.
type Store struct {
	fs  afero.Fs
	dir string
}

// New creates a store rooted at dir on fs, creating the directory if needed.
func New(fs afero.Fs, dir string) (*Store, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir %s: %w", dir, err)
	}
	return &Store{fs: fs, dir: dir}, nil
}

// NewOS creates a store on the local filesystem.
func NewOS(dir string) (*Store, error) {
	return New(afero.NewOsFs(), dir)
}

// Path returns the file path of image id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id+ext)
}

// URL returns the public path under which image id is served.
func URL(id string) string {
	return "/images/" + id + ext
}

func validID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperr.NewBadRequestError("invalid image id")
	}
	return nil
}

// Save decodes b64 and writes it as image id. A data-URL style prefix ending
// in "base64," is tolerated. It returns the written path.
func (s *Store) Save(id, b64 string) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	if i := strings.Index(b64, "base64,"); i >= 0 {
		b64 = b64[i+len("base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", apperr.NewInternalError("failed to decode image data", err)
	}
	path := s.Path(id)
	if err := afero.WriteFile(s.fs, path, data, 0o644); err != nil {
		return "", apperr.NewInternalError("failed to save image", err)
	}
	return path, nil
}

// Read returns the bytes of image id.
func (s *Store) Read(id string) ([]byte, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, s.Path(id))
	if os.IsNotExist(err) {
		return nil, apperr.NewNotFoundError("Image not found")
	}
	if err != nil {
		return nil, apperr.NewInternalError("failed to read image", err)
	}
	return data, nil
}

// Exists reports whether image id is stored.
func (s *Store) Exists(id string) bool {
	if validID(id) != nil {
		return false
	}
	ok, err := afero.Exists(s.fs, s.Path(id))
	return err == nil && ok
}

// Remove deletes image id. Removing a missing image is not an error.
func (s *Store) Remove(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	if err := s.fs.Remove(s.Path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove image %s: %w", id, err)
	}
	return nil
}
