package catalog

import (
	"time"

	"github.com/cedadev/nlds/pkg/message"
)

// Storage tier names as stored in location rows.
const (
	StorageObject = message.StorageObject
	StorageTape   = message.StorageTape
)

// Holding is a labelled batch of files owned by (user, group). A label is
// unique per user; the same label may exist for different users.
type Holding struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	Label string `gorm:"not null;size:255;uniqueIndex:idx_holding_label_user" json:"label"`
	User  string `gorm:"not null;size:255;uniqueIndex:idx_holding_label_user" json:"user"`
	Group string `gorm:"not null;size:255;index" json:"group"`

	Transactions []Transaction `gorm:"foreignKey:HoldingID;constraint:OnDelete:CASCADE" json:"transactions,omitempty"`
	Tags         []Tag         `gorm:"foreignKey:HoldingID;constraint:OnDelete:CASCADE" json:"tags,omitempty"`
}

func (Holding) TableName() string { return "holdings" }

// TagMap flattens the holding's tags.
func (h *Holding) TagMap() map[string]string {
	out := make(map[string]string, len(h.Tags))
	for _, t := range h.Tags {
		out[t.Key] = t.Value
	}
	return out
}

// Transaction is one ingest event inside a Holding.
type Transaction struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	TransactionID string    `gorm:"not null;size:64;uniqueIndex" json:"transaction_id"`
	IngestTime    time.Time `gorm:"autoCreateTime" json:"ingest_time"`
	HoldingID     uint      `gorm:"not null;index" json:"holding_id"`

	Files []File `gorm:"foreignKey:TransactionID;constraint:OnDelete:CASCADE" json:"files,omitempty"`
}

func (Transaction) TableName() string { return "transactions" }

// Tag is a (key, value) pair on a Holding; key unique per holding.
type Tag struct {
	ID        uint   `gorm:"primaryKey" json:"-"`
	Key       string `gorm:"not null;size:255;uniqueIndex:idx_tag_key_holding" json:"key"`
	Value     string `gorm:"size:255" json:"value"`
	HoldingID uint   `gorm:"not null;uniqueIndex:idx_tag_key_holding" json:"-"`
}

func (Tag) TableName() string { return "tags" }

// File is one original filesystem object captured in a Transaction.
type File struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	TransactionID uint   `gorm:"not null;index" json:"-"`
	OriginalPath  string `gorm:"not null;index" json:"original_path"`
	PathType      int    `gorm:"not null" json:"path_type"`
	LinkPath      string `json:"link_path,omitempty"`
	Size          int64  `gorm:"not null" json:"size"`
	User          uint32 `gorm:"not null" json:"user"`
	Group         uint32 `gorm:"not null" json:"group"`
	// FilePermissions holds the POSIX mode bits (mode & 0777).
	FilePermissions uint32 `gorm:"not null" json:"permissions"`

	Locations []Location `gorm:"foreignKey:FileID;constraint:OnDelete:CASCADE" json:"locations,omitempty"`
	Checksums []Checksum `gorm:"foreignKey:FileID;constraint:OnDelete:CASCADE" json:"checksums,omitempty"`
}

func (File) TableName() string { return "files" }

// Location returns the file's location of the given storage type, if any.
func (f *File) Location(storageType string) (*Location, bool) {
	for i := range f.Locations {
		if f.Locations[i].StorageType == storageType {
			return &f.Locations[i], true
		}
	}
	return nil, false
}

// PathDetails renders the file (and its locations) in the wire form.
func (f *File) PathDetails() *message.PathDetails {
	pd := &message.PathDetails{
		OriginalPath: f.OriginalPath,
		PathType:     message.PathType(f.PathType),
		LinkPath:     f.LinkPath,
		Size:         f.Size,
		User:         f.User,
		Group:        f.Group,
		Permissions:  f.FilePermissions,
	}
	for _, l := range f.Locations {
		_ = pd.Locations.Add(l.PathLocation())
	}
	return pd
}

// Location is a materialised (or in-flight placeholder) copy of a File on
// one storage tier. At most one Location per (file, storage_type).
type Location struct {
	ID          uint    `gorm:"primaryKey" json:"-"`
	StorageType string  `gorm:"not null;size:32;uniqueIndex:idx_location_storage_file" json:"storage_type"`
	URLScheme   string  `gorm:"size:32" json:"url_scheme"`
	URLNetloc   string  `gorm:"size:255" json:"url_netloc"`
	Root        string  `gorm:"size:1024" json:"root"`
	Path        string  `gorm:"size:4096" json:"path"`
	AccessTime  float64 `json:"access_time"`
	FileID      uint    `gorm:"not null;uniqueIndex:idx_location_storage_file" json:"-"`

	// AggregationID is set on TAPE locations once the covering tar exists.
	AggregationID *uint `gorm:"index" json:"aggregation_id,omitempty"`
}

func (Location) TableName() string { return "locations" }

// IsPlaceholder reports whether the location marks in-flight work rather
// than a retrievable copy.
func (l *Location) IsPlaceholder() bool {
	return l.URLScheme == "" && l.URLNetloc == "" && l.Root == ""
}

// PathLocation renders the row in the wire form.
func (l *Location) PathLocation() message.PathLocation {
	return message.PathLocation{
		StorageType:   l.StorageType,
		URLScheme:     l.URLScheme,
		URLNetloc:     l.URLNetloc,
		Root:          l.Root,
		Path:          l.Path,
		AccessTime:    l.AccessTime,
		AggregationID: l.AggregationID,
	}
}

// Aggregation is one tar archive on tape covering many Files.
type Aggregation struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Tarname   string `gorm:"not null;size:255;index" json:"tarname"`
	Checksum  string `gorm:"size:64" json:"checksum"`
	Algorithm string `gorm:"size:32" json:"algorithm"`
	// FailedFl marks the aggregation as needing repack.
	FailedFl bool `gorm:"not null;default:false" json:"failed_fl"`

	Locations []Location `gorm:"foreignKey:AggregationID;constraint:OnDelete:SET NULL" json:"-"`
}

func (Aggregation) TableName() string { return "aggregations" }

// Checksum records a digest of a File's content.
type Checksum struct {
	ID        uint   `gorm:"primaryKey" json:"-"`
	Checksum  string `gorm:"not null;size:64;uniqueIndex:idx_checksum_algorithm" json:"checksum"`
	Algorithm string `gorm:"not null;size:32;uniqueIndex:idx_checksum_algorithm" json:"algorithm"`
	FileID    uint   `gorm:"not null;index" json:"-"`
}

func (Checksum) TableName() string { return "checksums" }

// allModels lists every model for auto-migration.
func allModels() []any {
	return []any{
		&Holding{},
		&Transaction{},
		&Tag{},
		&File{},
		&Location{},
		&Aggregation{},
		&Checksum{},
	}
}
