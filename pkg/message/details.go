package message

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// PathType classifies an indexed filesystem entry. The integer values are
// part of the persisted catalog schema; the gaps come from retired values
// and must not be reused.
type PathType int

const (
	PathFile          PathType = 0
	PathDirectory     PathType = 1
	PathLink          PathType = 2
	PathNotRecognised PathType = 5
	PathUnindexed     PathType = 6
)

func (p PathType) String() string {
	switch p {
	case PathFile:
		return "FILE"
	case PathDirectory:
		return "DIRECTORY"
	case PathLink:
		return "LINK"
	case PathNotRecognised:
		return "NOT_RECOGNISED"
	case PathUnindexed:
		return "UNINDEXED"
	}
	return fmt.Sprintf("PATH_TYPE(%d)", int(p))
}

// PathDetails carries everything the pipeline knows about one filesystem
// entry: the stat-derived metadata captured at index time, the storage
// locations filled in as copies are materialised, and a failure reason if
// any stage gave up on the file.
type PathDetails struct {
	OriginalPath string        `json:"original_path"`
	PathType     PathType      `json:"path_type"`
	LinkPath     string        `json:"link_path,omitempty"`
	Size         int64         `json:"size"`
	User         uint32        `json:"user"`
	Group        uint32        `json:"group"`
	Permissions  uint32        `json:"permissions"`
	AccessTime   float64       `json:"access_time,omitempty"`
	Locations    PathLocations `json:"locations,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`
	HoldingID     *uint  `json:"holding_id,omitempty"`

	// Checksum is the Adler-32 digest computed while the file streamed
	// through an archive operation.
	Checksum uint32 `json:"checksum,omitempty"`

	// Mode is the full st_mode including the type bits. Internal use only:
	// the wire carries Permissions (mode & 0777).
	Mode uint32 `json:"-"`
}

// PathDetailsFromLstat builds PathDetails from an lstat of the path.
// Symlinks are classified but not followed; LinkPath records the resolved
// target.
func PathDetailsFromLstat(path string) (*PathDetails, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	return PathDetailsFromFileInfo(path, info)
}

// PathDetailsFromFileInfo builds PathDetails from an already obtained
// fs.FileInfo for the path.
func PathDetailsFromFileInfo(path string, info fs.FileInfo) (*PathDetails, error) {
	pd := &PathDetails{
		OriginalPath: path,
		Size:         info.Size(),
		Permissions:  uint32(info.Mode().Perm()),
	}

	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		pd.User = st.Uid
		pd.Group = st.Gid
		pd.Mode = uint32(st.Mode)
		pd.AccessTime = float64(st.Atim.Sec) + float64(st.Atim.Nsec)/1e9
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		pd.PathType = PathLink
		if target, err := filepath.EvalSymlinks(path); err == nil {
			pd.LinkPath = target
		}
	case info.IsDir():
		pd.PathType = PathDirectory
	case info.Mode().IsRegular():
		pd.PathType = PathFile
	default:
		pd.PathType = PathNotRecognised
	}

	return pd, nil
}

// Fail records the failure reason, replacing any earlier one.
func (pd *PathDetails) Fail(reason string) {
	pd.FailureReason = reason
}

// SetObjectStore records the OBJECT_STORAGE location for the file. The
// bucket identity (root) is the transaction id; the object name is the
// original path.
func (pd *PathDetails) SetObjectStore(tenancy, root string) (PathLocation, error) {
	l := NewObjectStoreLocation(tenancy, root, pd.OriginalPath, pd.AccessTime)
	if err := pd.Locations.Add(l); err != nil {
		return PathLocation{}, err
	}
	return l, nil
}

// ObjectStore returns the OBJECT_STORAGE location, if any.
func (pd *PathDetails) ObjectStore() (PathLocation, bool) {
	return pd.Locations.Get(StorageObject)
}

// SetTape records the TAPE location for the file.
func (pd *PathDetails) SetTape(server, holdingPrefix, tarfile string) (PathLocation, error) {
	l := NewTapeLocation(server, holdingPrefix, tarfile, pd.AccessTime)
	if err := pd.Locations.Add(l); err != nil {
		return PathLocation{}, err
	}
	return l, nil
}

// Tape returns the TAPE location, if any.
func (pd *PathDetails) Tape() (PathLocation, bool) {
	return pd.Locations.Get(StorageTape)
}

// BucketName derives the bucket from the object storage location:
// nlds.<root>.
func (pd *PathDetails) BucketName() string {
	l, ok := pd.ObjectStore()
	if !ok {
		return ""
	}
	return "nlds." + l.Root
}

// ObjectName is the object key within the bucket, the original path with
// any leading slash preserved.
func (pd *PathDetails) ObjectName() string {
	l, ok := pd.ObjectStore()
	if !ok {
		return ""
	}
	return l.Path
}

// TapePath renders root://server/root/tarfile for the tape location.
func (pd *PathDetails) TapePath() string {
	l, ok := pd.Tape()
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s://%s/%s/%s", l.URLScheme, l.URLNetloc, l.Root, l.Path)
}

// Clone returns a deep copy.
func (pd *PathDetails) Clone() *PathDetails {
	out := *pd
	out.Locations = PathLocations{}
	for _, l := range pd.Locations.All() {
		_ = out.Locations.Add(l)
	}
	return &out
}

func (pd *PathDetails) String() string {
	b, _ := json.Marshal(pd)
	return string(b)
}
