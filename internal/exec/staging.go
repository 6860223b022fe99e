package exec

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Staging is the per-process working directory holding in-flight file
// contents. Files are named by their content md5 so an interrupted copy or
// download can be resumed from the staged bytes.
type Staging struct {
	dir string
}

// NewStaging creates the staging directory if needed.
func NewStaging(dir string) (*Staging, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Staging{dir: dir}, nil
}

// Dir returns the staging directory path.
func (s *Staging) Dir() string { return s.dir }

// PathForMD5 returns where content with the given md5 is staged.
func (s *Staging) PathForMD5(md5 string) string {
	return filepath.Join(s.dir, md5)
}

// SweepOrphans deletes staged files older than maxAge; they belong to ops
// long since finished or abandoned.
func (s *Staging) SweepOrphans(maxAge time.Duration) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		log.Error().Err(err).Str("dir", s.dir).Msg("Could not scan staging dir.")
		return
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Swept orphaned staging files.")
	}
}
