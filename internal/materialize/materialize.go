// Package materialize writes generated configuration files into the trellis
// state directory.
//
// The default policy is first-write-wins: a file is only written when it does
// not exist yet, so local edits survive repeated runs. Files whose content is
// fully parameter-driven use the Overwrite policy instead.
package materialize

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Generator produces file content.
type Generator func() ([]byte, error)

// Policy controls what happens when the target already exists.
type Policy int

const (
	FirstWriteWins Policy = iota
	Overwrite
)

// Artifact is a target path plus the generator for its content.
type Artifact struct {
	Path     string
	Generate Generator
	Policy   Policy
}

// WriteError reports an unrecoverable filesystem failure.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Materializer writes artifacts to a filesystem.
type Materializer struct {
	Fs afero.Fs
}

// New returns a Materializer on fs, or on the OS filesystem when fs is nil.
func New(fs afero.Fs) *Materializer {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Materializer{Fs: fs}
}

// Apply writes a according to its policy and returns its path.
func (m *Materializer) Apply(a Artifact) (string, error) {
	if a.Policy == Overwrite {
		return m.Overwrite(a.Path, a.Generate)
	}
	return m.Ensure(a.Path, a.Generate)
}

// Ensure writes gen's output to path only if path does not exist. An existing
// file is left untouched and gen is not called.
func (m *Materializer) Ensure(path string, gen Generator) (string, error) {
	if err := m.Fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", &WriteError{Path: path, Err: err}
	}
	exists, err := afero.Exists(m.Fs, path)
	if err != nil {
		return "", &WriteError{Path: path, Err: err}
	}
	if exists {
		return path, nil
	}

	data, err := gen()
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", path, err)
	}

	// O_EXCL: another process may have created it since the check.
	f, err := m.Fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return path, nil
		}
		return "", &WriteError{Path: path, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = m.Fs.Remove(path)
		return "", &WriteError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		_ = m.Fs.Remove(path)
		return "", &WriteError{Path: path, Err: err}
	}
	return path, nil
}

// Overwrite always writes gen's output to path.
func (m *Materializer) Overwrite(path string, gen Generator) (string, error) {
	if err := m.Fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", &WriteError{Path: path, Err: err}
	}
	data, err := gen()
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", path, err)
	}
	if err := afero.WriteFile(m.Fs, path, data, 0o644); err != nil {
		return "", &WriteError{Path: path, Err: err}
	}
	return path, nil
}

// EnsureStream is Ensure for large content: fill writes into a temporary file
// in the same directory, which is renamed into place only if path is still
// absent.
func (m *Materializer) EnsureStream(path string, fill func(w io.Writer) error) (string, bool, error) {
	dir := filepath.Dir(path)
	if err := m.Fs.MkdirAll(dir, 0o755); err != nil {
		return "", false, &WriteError{Path: path, Err: err}
	}
	if exists, err := afero.Exists(m.Fs, path); err != nil {
		return "", false, &WriteError{Path: path, Err: err}
	} else if exists {
		return path, false, nil
	}

	tmp, err := afero.TempFile(m.Fs, dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", false, &WriteError{Path: path, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = m.Fs.Remove(tmpName) }

	if err := fill(tmp); err != nil {
		tmp.Close()
		cleanup()
		return "", false, fmt.Errorf("fill %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", false, &WriteError{Path: path, Err: err}
	}

	if exists, _ := afero.Exists(m.Fs, path); exists {
		cleanup()
		return path, false, nil
	}
	if err := m.Fs.Rename(tmpName, path); err != nil {
		cleanup()
		return "", false, &WriteError{Path: path, Err: err}
	}
	return path, true, nil
}
