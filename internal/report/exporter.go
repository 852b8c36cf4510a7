package report

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// Exporter writes sealed reports as <session id>.json under Dir.
type Exporter struct {
	FS  afero.Fs
	Dir string
}

// NewExporter returns an Exporter on the OS filesystem.
func NewExporter(dir string) *Exporter {
	return &Exporter{FS: afero.NewOsFs(), Dir: dir}
}

// Path returns the file a session's report is written to.
func (e *Exporter) Path(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
		return "", fmt.Errorf("report: invalid session id %q", sessionID)
	}
	return filepath.Join(e.Dir, sessionID+".json"), nil
}

// Export seals r, validates the encoding, and writes it atomically.
func (e *Exporter) Export(r *Report) (string, error) {
	path, err := e.Path(r.SessionID)
	if err != nil {
		return "", err
	}
	if err := r.Seal(); err != nil {
		return "", err
	}
	data, err := r.Marshal()
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	if err := Validate(data); err != nil {
		return "", err
	}
	if err := writeFileAtomic(e.FS, path, data); err != nil {
		return "", err
	}
	return path, nil
}

// Load reads, validates, and verifies a previously exported report.
func (e *Exporter) Load(sessionID string) (*Report, error) {
	path, err := e.Path(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(e.FS, path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	return Parse(data)
}

// List returns the session ids with an exported report, sorted.
func (e *Exporter) List() ([]string, error) {
	entries, err := afero.ReadDir(e.FS, e.Dir)
	if err != nil {
		if errors.Is(err, afero.ErrFileNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list reports: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func writeFileAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(fs, dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer fs.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := fs.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}
	return nil
}
