package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const fileExt = ".ckpt"

// FileBackend keeps one write-once file per checkpoint id under dir/<session>/.
type FileBackend struct {
	fs  afero.Fs
	dir string
}

// NewFileBackend creates the backup directory if needed.
func NewFileBackend(fs afero.Fs, dir string) (*FileBackend, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup dir %s: %w", dir, err)
	}
	return &FileBackend{fs: fs, dir: dir}, nil
}

// Name implements Backend.
func (f *FileBackend) Name() string {
	return "file:" + f.dir
}

func (f *FileBackend) path(sessionID, id string) string {
	return filepath.Join(f.dir, sessionID, id+fileExt)
}

// Put implements Backend. The file is written to a temporary name and
// renamed so readers never observe a partial checkpoint.
func (f *FileBackend) Put(_ context.Context, rec *Record) error {
	if strings.ContainsAny(rec.SessionID, `/\`) || strings.ContainsAny(rec.ID, `/\`) {
		return fmt.Errorf("invalid checkpoint path component")
	}
	if err := f.fs.MkdirAll(filepath.Join(f.dir, rec.SessionID), 0o755); err != nil {
		return err
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	target := f.path(rec.SessionID, rec.ID)
	tmp := target + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, body, 0o644); err != nil {
		return err
	}
	return f.fs.Rename(tmp, target)
}

// Get implements Backend.
func (f *FileBackend) Get(_ context.Context, id string) (*Record, error) {
	sessions, err := f.sessions("")
	if err != nil {
		return nil, err
	}
	for _, session := range sessions {
		rec, err := f.read(f.path(session, id))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		return rec, err
	}
	return nil, ErrNotFound
}

func (f *FileBackend) read(path string) (*Record, error) {
	body, err := afero.ReadFile(f.fs, path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("%w: unreadable backup %s: %v", ErrChecksumMismatch, filepath.Base(path), err)
	}
	return &rec, nil
}

func (f *FileBackend) sessions(sessionID string) ([]string, error) {
	if sessionID != "" {
		return []string{sessionID}, nil
	}
	entries, err := afero.ReadDir(f.fs, f.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// List implements Backend. Unreadable files are skipped.
func (f *FileBackend) List(_ context.Context, filter Filter) ([]*Record, error) {
	sessions, err := f.sessions(filter.SessionID)
	if err != nil {
		return nil, err
	}

	var out []*Record
	for _, session := range sessions {
		entries, err := afero.ReadDir(f.fs, filepath.Join(f.dir, session))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
				continue
			}
			rec, err := f.read(filepath.Join(f.dir, session, e.Name()))
			if err != nil {
				continue
			}
			if filter.match(rec) {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

// SetStatus implements Backend. Backup files are written once per
// checkpoint id; status lives in the primary.
func (f *FileBackend) SetStatus(context.Context, string, Status) error {
	return nil
}

// Supersede implements Backend. See SetStatus.
func (f *FileBackend) Supersede(context.Context, string, string, string) error {
	return nil
}

// Delete implements Backend.
func (f *FileBackend) Delete(ctx context.Context, id string) error {
	sessions, err := f.sessions("")
	if err != nil {
		return err
	}
	for _, session := range sessions {
		err := f.fs.Remove(f.path(session, id))
		if err == nil || !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Close implements Backend.
func (f *FileBackend) Close() error {
	return nil
}
