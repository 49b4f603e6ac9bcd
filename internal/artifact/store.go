package artifact

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/medtrack/integrity-core/pkg/utils"
)

// Store keeps artifact bytes under a root directory of an afero filesystem
type Store struct {
	fs   afero.Fs
	root string
}

// NewStore creates the root directory if needed
func NewStore(fs afero.Fs, root string) (*Store, error) {
	if root == "" {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Backup storage location is required", "")
	}
	if err := fs.MkdirAll(root, 0o750); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeStorage, "Failed to create backup directory", err.Error())
	}
	return &Store{fs: fs, root: root}, nil
}

// NewOSStore is a Store on the local disk
func NewOSStore(root string) (*Store, error) {
	return NewStore(afero.NewOsFs(), root)
}

// Root returns the directory artifacts are written to
func (s *Store) Root() string {
	return s.root
}

func (s *Store) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", utils.NewAppError(utils.ErrCodeValidation, "Invalid artifact name", name)
	}
	return filepath.Join(s.root, name), nil
}

// Write stores data under name. The bytes land in a temporary file first and
// are renamed into place, so readers never observe a partial artifact.
func (s *Store) Write(name string, data []byte) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}

	tmp := path + ".partial"
	if err := afero.WriteFile(s.fs, tmp, data, 0o640); err != nil {
		_ = s.fs.Remove(tmp)
		return utils.NewAppError(utils.ErrCodeStorage, "Failed to write backup artifact", err.Error())
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return utils.NewAppError(utils.ErrCodeStorage, "Failed to finalize backup artifact", err.Error())
	}
	return nil
}

// Read returns the stored bytes; NOT_FOUND when the artifact is missing
func (s *Store) Read(name string) ([]byte, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, path)
	if os.IsNotExist(err) {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Backup artifact missing", name)
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeStorage, "Failed to read backup artifact", err.Error())
	}
	return data, nil
}

// Delete removes an artifact and any partial write; missing files are ignored
func (s *Store) Delete(name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	for _, p := range []string{path, path + ".partial"} {
		if err := s.fs.Remove(p); err != nil && !os.IsNotExist(err) {
			return utils.NewAppError(utils.ErrCodeStorage, "Failed to delete backup artifact", err.Error())
		}
	}
	return nil
}

// Exists reports whether an artifact is present
func (s *Store) Exists(name string) (bool, error) {
	path, err := s.path(name)
	if err != nil {
		return false, err
	}
	return afero.Exists(s.fs, path)
}
