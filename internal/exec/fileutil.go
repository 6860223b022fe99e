package exec

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/outlet-sync/outlet/internal/cache"
)

// ErrIdenticalFileExists signals that the destination already holds the exact
// content being copied. Callers treat it as a successful no-op.
var ErrIdenticalFileExists = errors.New("an identical file already exists at the destination")

// copyToStaging writes src's content to stagingPath with an fsync, then
// verifies the staged copy's md5.
func copyToStaging(srcPath, stagingPath, md5Expected string) error {
	if err := os.MkdirAll(filepath.Dir(stagingPath), 0700); err != nil {
		return err
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	staged, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(staged, src); err != nil {
		staged.Close()
		os.Remove(stagingPath)
		return err
	}
	if err := staged.Sync(); err != nil {
		staged.Close()
		os.Remove(stagingPath)
		return err
	}
	if err := staged.Close(); err != nil {
		os.Remove(stagingPath)
		return err
	}

	if md5Expected != "" {
		stagedMD5, err := cache.MD5ForFile(stagingPath)
		if err != nil {
			os.Remove(stagingPath)
			return err
		}
		if stagedMD5 != md5Expected {
			os.Remove(stagingPath)
			return fmt.Errorf("staged copy md5 (%s) does not match expected (%s)", stagedMD5, md5Expected)
		}
	}
	return nil
}

// MoveToDst atomically moves a staged file into place, overwriting any
// existing destination. Falls back to copy+remove when staging and dst are on
// different filesystems.
func MoveToDst(stagingPath, dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0700); err != nil {
		return err
	}
	if err := os.Rename(stagingPath, dstPath); err == nil {
		return nil
	}
	// Cross-filesystem rename. Copy, then remove the staged file.
	if err := copyToStaging(stagingPath, dstPath, ""); err != nil {
		return err
	}
	return os.Remove(stagingPath)
}

// CopyFileNew copies src to dst via staging, verifying the md5 of the staged
// copy. Fails if anything already exists at dst; an identical file yields
// ErrIdenticalFileExists.
func CopyFileNew(srcPath, stagingPath, dstPath, md5Src string) error {
	if _, err := os.Stat(dstPath); err == nil {
		dstMD5, err := cache.MD5ForFile(dstPath)
		if err != nil {
			return err
		}
		if dstMD5 == md5Src {
			return ErrIdenticalFileExists
		}
		return fmt.Errorf("a different file already exists at destination: %q", dstPath)
	}
	if err := copyToStaging(srcPath, stagingPath, md5Src); err != nil {
		return err
	}
	return MoveToDst(stagingPath, dstPath)
}

// CopyFileUpdate overwrites dst with src's content via staging. Before
// replacing, the current dst content must match md5Expected, so a dst that
// changed since the op was planned is never clobbered silently.
func CopyFileUpdate(srcPath, stagingPath, dstPath, md5Src, md5Expected string) error {
	if md5Expected != "" {
		current, err := cache.MD5ForFile(dstPath)
		if err != nil {
			return fmt.Errorf("could not verify destination before overwrite: %w", err)
		}
		if current != md5Expected {
			return fmt.Errorf("destination %q changed since op was planned (md5 %s, expected %s)",
				dstPath, current, md5Expected)
		}
	}
	if err := copyToStaging(srcPath, stagingPath, md5Src); err != nil {
		return err
	}
	return MoveToDst(stagingPath, dstPath)
}

// MoveFile is a POSIX rename with parent creation.
func MoveFile(srcPath, dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0700); err != nil {
		return err
	}
	return os.Rename(srcPath, dstPath)
}

func trashDir() (string, error) {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	dir := filepath.Join(dataHome, "Trash", "files")
	return dir, os.MkdirAll(dir, 0700)
}

func moveToTrash(path string) error {
	dir, err := trashDir()
	if err != nil {
		return err
	}
	target := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		target = fmt.Sprintf("%s.%d", target, time.Now().UnixNano())
	}
	if err := os.Rename(path, target); err != nil {
		return fmt.Errorf("could not move %q to trash: %w", path, err)
	}
	return nil
}

// DeleteFile removes a file, moving it to the user trash when toTrash is set.
func DeleteFile(path string, toTrash bool) error {
	if toTrash {
		return moveToTrash(path)
	}
	return os.Remove(path)
}

// DeleteEmptyDir removes an empty directory (to trash when requested).
func DeleteEmptyDir(path string, toTrash bool) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("directory not empty: %q", path)
	}
	if toTrash {
		return moveToTrash(path)
	}
	return os.Remove(path)
}

// DeleteEmptyParents walks up from path, removing empty parent dirs until a
// non-empty one (or stopAt) is hit. Returns the removed paths.
func DeleteEmptyParents(path, stopAt string) []string {
	var removed []string
	dir := filepath.Dir(path)
	for dir != stopAt && dir != "/" && dir != "." {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(dir); err != nil {
			log.Error().Err(err).Str("dir", dir).Msg("Could not remove empty parent dir.")
			break
		}
		log.Info().Str("dir", dir).Msg("Removed empty parent dir.")
		removed = append(removed, dir)
		dir = filepath.Dir(dir)
	}
	return removed
}
