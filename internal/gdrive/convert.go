package gdrive

import (
	"time"

	"google.golang.org/api/drive/v3"

	"github.com/outlet-sync/outlet/internal/cache"
	"github.com/outlet-sync/outlet/internal/model"
)

// FolderMimeType is how Drive marks folders.
const FolderMimeType = "application/vnd.google-apps.folder"

// BuildNode converts an API file into a cache node, binding its goog_id to a
// UID. uidSuggestion lets a caller keep a planning node's UID for the object
// it just made existent, so subsequent child commands resolve their parents
// correctly.
func BuildNode(c *cache.Manager, deviceUID model.UID, f *drive.File, uidSuggestion model.UID) (model.TNode, error) {
	uid, err := c.GetUIDForGoogID(deviceUID, f.Id, uidSuggestion)
	if err != nil {
		return nil, err
	}
	var parentUIDs []model.UID
	for _, parentGoogID := range f.Parents {
		if parent := c.GetNodeForGoogID(deviceUID, parentGoogID); parent != nil {
			parentUIDs = append(parentUIDs, parent.UID())
		}
	}
	nodeID := model.DNUID{DeviceUID: deviceUID, UID: uid}
	if f.MimeType == FolderMimeType {
		n := model.NewGDriveFolderNode(nodeID, f.Id, f.Name, parentUIDs, false)
		n.SyncTS = time.Now().Unix()
		n.ModifyTS = ParseDriveTime(f.ModifiedTime)
		n.CreateTS = ParseDriveTime(f.CreatedTime)
		if f.Trashed {
			n.SetTrashed(model.ExplicitlyTrashed)
		}
		return n, nil
	}
	n := model.NewGDriveFileNode(nodeID, f.Id, f.Name, parentUIDs, f.Size, f.Md5Checksum)
	n.Version = f.Version
	n.SyncTS = time.Now().Unix()
	n.ModifyTS = ParseDriveTime(f.ModifiedTime)
	n.CreateTS = ParseDriveTime(f.CreatedTime)
	n.MimeTypeUID = c.UIDForMimeType(f.MimeType)
	if f.Trashed {
		n.SetTrashed(model.ExplicitlyTrashed)
	}
	return n, nil
}
