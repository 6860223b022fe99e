package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

const folderMimeType = "application/vnd.google-apps.folder"

const fileFields = "id, name, md5Checksum, mimeType, size, version, parents, " +
	"createdTime, modifiedTime, trashed, driveId"
const fileGroupFields = "nextPageToken, files(" + fileFields + ")"

const defaultPageSize = 1000

// maxRetries bounds the backoff loop for transient errors.
const maxRetries = 5

// Client wraps a Drive service with the calls the executor needs.
type Client struct {
	svc      *drive.Service
	pageSize int64
}

// NewClient wraps an authenticated service. pageSize <= 0 selects the default.
func NewClient(svc *drive.Service, pageSize int64) *Client {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Client{svc: svc, pageSize: pageSize}
}

// isTransient reports whether an API error is worth retrying. HTTP 403 and
// 404 fail immediately; rate limits, server errors, and transport-level
// failures back off and retry.
func isTransient(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 403 || gerr.Code == 404:
			return false
		case gerr.Code == 429 || gerr.Code >= 500:
			return true
		}
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// withRetry runs fn with exponential backoff on transient errors.
func withRetry(what string, fn func() error) error {
	delay := 500 * time.Millisecond
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		log.Warn().Err(err).Str("call", what).Int("attempt", attempt+1).
			Dur("backoff", delay).Msg("Transient Drive API error; retrying.")
		time.Sleep(delay)
		delay *= 2
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, maxRetries, err)
}

// RootGoogID fetches the goog_id of the account's root folder.
func (c *Client) RootGoogID() (string, error) {
	var f *drive.File
	err := withRetry("files.get root", func() error {
		var err error
		f, err = c.svc.Files.Get("root").Fields("id").Do()
		return err
	})
	if err != nil {
		return "", err
	}
	return f.Id, nil
}

// GetFile fetches one file's metadata by goog_id. Returns nil if it does not
// exist.
func (c *Client) GetFile(googID string) (*drive.File, error) {
	var f *drive.File
	err := withRetry("files.get", func() error {
		var err error
		f, err = c.svc.Files.Get(googID).Fields(fileFields).Do()
		return err
	})
	if isNotFound(err) {
		return nil, nil
	}
	return f, err
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 404
}

func (c *Client) listWithQuery(ctx context.Context, query string) ([]*drive.File, error) {
	var out []*drive.File
	err := withRetry("files.list", func() error {
		out = out[:0]
		return c.svc.Files.List().
			PageSize(c.pageSize).
			Fields(fileGroupFields).
			Q(query).
			Pages(ctx, func(r *drive.FileList) error {
				out = append(out, r.Files...)
				return nil
			})
	})
	return out, err
}

// GetFilesWithParentAndName lists non-trashed children of the parent with the
// exact name.
func (c *Client) GetFilesWithParentAndName(parentGoogID, name string) ([]*drive.File, error) {
	query := fmt.Sprintf("'%s' in parents and name = '%s' and trashed = false",
		parentGoogID, escapeQueryString(name))
	return c.listWithQuery(context.Background(), query)
}

// GetSingleFileWithParentAndName returns the sole match, nil if none, or an
// error if multiple distinct nodes share the name.
func (c *Client) GetSingleFileWithParentAndName(parentGoogID, name string) (*drive.File, error) {
	matches, err := c.GetFilesWithParentAndName(parentGoogID, name)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	}
	return nil, fmt.Errorf("found %d nodes named %q under parent %s; expected at most one",
		len(matches), name, parentGoogID)
}

// ListChildren lists every non-trashed child of the parent.
func (c *Client) ListChildren(ctx context.Context, parentGoogID string) ([]*drive.File, error) {
	query := fmt.Sprintf("'%s' in parents and trashed = false", parentGoogID)
	return c.listWithQuery(ctx, query)
}

// GetFoldersWithParentAndName lists non-trashed folders under the parent with
// the exact name.
func (c *Client) GetFoldersWithParentAndName(parentGoogID, name string) ([]*drive.File, error) {
	query := fmt.Sprintf("'%s' in parents and name = '%s' and mimeType = '%s' and trashed = false",
		parentGoogID, escapeQueryString(name), folderMimeType)
	return c.listWithQuery(context.Background(), query)
}

func escapeQueryString(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\'' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}

// CreateFolder creates a folder under the given parents.
func (c *Client) CreateFolder(name string, parentGoogIDs []string) (*drive.File, error) {
	var f *drive.File
	err := withRetry("files.create folder", func() error {
		var err error
		f, err = c.svc.Files.Create(&drive.File{
			Name:     name,
			Parents:  parentGoogIDs,
			MimeType: folderMimeType,
		}).Fields(fileFields).Do()
		return err
	})
	return f, err
}

// UploadNewFile uploads local content as a new file under the parent.
func (c *Client) UploadNewFile(localPath, name, parentGoogID string) (*drive.File, error) {
	var f *drive.File
	err := withRetry("files.create upload", func() error {
		fd, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer fd.Close()
		f, err = c.svc.Files.Create(&drive.File{
			Name:    name,
			Parents: []string{parentGoogID},
		}).Media(fd).Fields(fileFields).Do()
		return err
	})
	return f, err
}

// UpdateExistingFile replaces the content (and optionally the name) of an
// existing file.
func (c *Client) UpdateExistingFile(googID, name, localPath string) (*drive.File, error) {
	var f *drive.File
	err := withRetry("files.update content", func() error {
		fd, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer fd.Close()
		f, err = c.svc.Files.Update(googID, &drive.File{Name: name}).
			Media(fd).Fields(fileFields).Do()
		return err
	})
	return f, err
}

// ModifyMeta re-parents and/or renames a node without touching content.
func (c *Client) ModifyMeta(googID string, removeParents, addParents []string, newName string) (*drive.File, error) {
	var f *drive.File
	err := withRetry("files.update meta", func() error {
		call := c.svc.Files.Update(googID, &drive.File{Name: newName}).Fields(fileFields)
		if len(removeParents) > 0 {
			call = call.RemoveParents(joinIDs(removeParents))
		}
		if len(addParents) > 0 {
			call = call.AddParents(joinIDs(addParents))
		}
		var err error
		f, err = call.Do()
		return err
	})
	return f, err
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}

// DownloadFile streams a file's content to destPath.
func (c *Client) DownloadFile(googID, destPath string) error {
	return withRetry("files.get download", func() error {
		resp, err := c.svc.Files.Get(googID).Download()
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		fd, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
		if err != nil {
			return err
		}
		if _, err := io.Copy(fd, resp.Body); err != nil {
			fd.Close()
			os.Remove(destPath)
			return err
		}
		if err := fd.Sync(); err != nil {
			fd.Close()
			return err
		}
		return fd.Close()
	})
}

// Trash moves a node to the Drive trash.
func (c *Client) Trash(googID string) error {
	return withRetry("files.update trash", func() error {
		_, err := c.svc.Files.Update(googID, &drive.File{Trashed: true}).Fields("id, trashed").Do()
		return err
	})
}

// HardDelete permanently deletes a node.
func (c *Client) HardDelete(googID string) error {
	return withRetry("files.delete", func() error {
		return c.svc.Files.Delete(googID).Do()
	})
}

// ParseDriveTime converts an RFC 3339 Drive timestamp to ms since epoch.
// Returns 0 for empty or malformed input.
func ParseDriveTime(value string) int64 {
	if value == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		log.Debug().Str("value", value).Msg("Could not parse Drive timestamp.")
		return 0
	}
	return t.UnixMilli()
}
