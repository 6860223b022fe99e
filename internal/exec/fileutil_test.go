package exec

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outlet-sync/outlet/internal/cache"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func md5Of(t *testing.T, path string) string {
	t.Helper()
	md5, err := cache.MD5ForFile(path)
	require.NoError(t, err)
	return md5
}

func TestCopyFileNew(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	staging := filepath.Join(dir, "staging", "x")
	dst := filepath.Join(dir, "out", "dst")
	writeFile(t, src, "hello")

	require.NoError(t, CopyFileNew(src, staging, dst, md5Of(t, src)))
	assert.Equal(t, md5Of(t, src), md5Of(t, dst))
	_, err := os.Stat(staging)
	assert.True(t, os.IsNotExist(err), "staged copy must be moved, not duplicated")
}

func TestCopyFileNewIdenticalDst(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	writeFile(t, src, "hello")
	writeFile(t, dst, "hello")

	err := CopyFileNew(src, filepath.Join(dir, "stg"), dst, md5Of(t, src))
	assert.ErrorIs(t, err, ErrIdenticalFileExists)
}

func TestCopyFileNewDifferentDst(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	writeFile(t, src, "hello")
	writeFile(t, dst, "other content")

	err := CopyFileNew(src, filepath.Join(dir, "stg"), dst, md5Of(t, src))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIdenticalFileExists)
}

// The md5-verified staging step: a source whose content does not match the
// declared md5 must fail and leave neither staged file nor dst behind.
func TestCopyVerifiesStagedMD5(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	staging := filepath.Join(dir, "stg")
	dst := filepath.Join(dir, "dst")
	writeFile(t, src, "corrupted content")

	err := CopyFileNew(src, staging, dst, "0123456789abcdef0123456789abcdef")
	require.Error(t, err)
	_, statErr := os.Stat(staging)
	assert.True(t, os.IsNotExist(statErr), "staged file must be deleted on verify failure")
	_, statErr = os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr), "no dst mutation on verify failure")
}

// Overwrite only proceeds when the current dst matches what the op planned
// against.
func TestCopyFileUpdateChecksExpectedMD5(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	writeFile(t, src, "new content")
	writeFile(t, dst, "old content")
	oldMD5 := md5Of(t, dst)

	require.NoError(t, CopyFileUpdate(src, filepath.Join(dir, "stg1"), dst, md5Of(t, src), oldMD5))
	assert.Equal(t, md5Of(t, src), md5Of(t, dst))

	// dst changed since planning: refuse.
	writeFile(t, dst, "changed out from under us")
	err := CopyFileUpdate(src, filepath.Join(dir, "stg2"), dst, md5Of(t, src), oldMD5)
	assert.Error(t, err)
}

func TestDeleteEmptyDirRefusesNonEmpty(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	writeFile(t, filepath.Join(sub, "f"), "x")

	assert.Error(t, DeleteEmptyDir(sub, false))
	require.NoError(t, os.Remove(filepath.Join(sub, "f")))
	assert.NoError(t, DeleteEmptyDir(sub, false))
}

func TestDeleteEmptyParents(t *testing.T) {
	root := t.TempDir()
	leafDir := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(leafDir, 0700))
	file := filepath.Join(leafDir, "f")
	writeFile(t, file, "x")
	require.NoError(t, os.Remove(file))

	removed := DeleteEmptyParents(file, root)
	assert.Len(t, removed, 3)
	_, err := os.Stat(filepath.Join(root, "a"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(root)
	assert.NoError(t, err, "the stop dir itself is kept")
}

func TestStagingSweepOrphans(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStaging(dir)
	require.NoError(t, err)

	stale := filepath.Join(dir, "stalefile")
	writeFile(t, stale, "x")
	old := time.Now().Add(-24 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	fresh := filepath.Join(dir, "freshfile")
	writeFile(t, fresh, "y")

	s.SweepOrphans(12 * time.Hour)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}
