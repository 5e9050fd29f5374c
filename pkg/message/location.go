package message

import (
	"encoding/json"
	"fmt"
)

// PathLocation describes one materialised copy of a file on a storage
// tier. The wire-level form is a tagged variant keyed by storage type:
// OBJECT_STORAGE locations carry a url scheme, tenancy netloc, bucket root
// and object path; TAPE locations carry the tape server, holding prefix
// root and tarfile path, plus the aggregation they belong to.
//
// A location whose URL fields are all empty is a placeholder: it marks
// in-flight work, not a retrievable copy.
type PathLocation struct {
	StorageType   string  `json:"storage_type"`
	URLScheme     string  `json:"url_scheme"`
	URLNetloc     string  `json:"url_netloc"`
	Root          string  `json:"root"`
	Path          string  `json:"path"`
	AccessTime    float64 `json:"access_time"`
	AggregationID *uint   `json:"aggregation_id,omitempty"`
}

// IsPlaceholder reports whether the location marks in-flight work rather
// than a retrievable copy.
func (l PathLocation) IsPlaceholder() bool {
	return l.URLScheme == "" && l.URLNetloc == "" && l.Root == ""
}

// URL renders the location as scheme://netloc/root/path.
func (l PathLocation) URL() string {
	return fmt.Sprintf("%s://%s/%s%s", l.URLScheme, l.URLNetloc, l.Root, l.Path)
}

// PathLocations holds at most one PathLocation per storage type.
type PathLocations struct {
	locations []PathLocation
}

// Add appends a location; it is an error to add a second location of the
// same storage type.
func (pl *PathLocations) Add(l PathLocation) error {
	if pl.Has(l.StorageType) {
		return fmt.Errorf("locations already contain a %s entry", l.StorageType)
	}
	pl.locations = append(pl.locations, l)
	return nil
}

// Get returns the location of the given storage type, if present.
func (pl *PathLocations) Get(storageType string) (PathLocation, bool) {
	for _, l := range pl.locations {
		if l.StorageType == storageType {
			return l, true
		}
	}
	return PathLocation{}, false
}

// Has reports whether a location of the given storage type is present.
func (pl *PathLocations) Has(storageType string) bool {
	_, ok := pl.Get(storageType)
	return ok
}

// All returns the locations in insertion order.
func (pl *PathLocations) All() []PathLocation {
	return pl.locations
}

// Count returns the number of locations.
func (pl *PathLocations) Count() int {
	return len(pl.locations)
}

// Reset removes all locations.
func (pl *PathLocations) Reset() {
	pl.locations = nil
}

// MarshalJSON encodes the set as an object keyed by storage type, the form
// the other workers consume.
func (pl PathLocations) MarshalJSON() ([]byte, error) {
	out := make(map[string]PathLocation, len(pl.locations))
	for _, l := range pl.locations {
		out[l.StorageType] = l
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the storage-type-keyed object form.
func (pl *PathLocations) UnmarshalJSON(data []byte) error {
	var raw map[string]PathLocation
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	pl.locations = nil
	// deterministic order: object storage first, then tape
	for _, st := range []string{StorageObject, StorageTape} {
		if l, ok := raw[st]; ok {
			l.StorageType = st
			pl.locations = append(pl.locations, l)
		}
	}
	for st, l := range raw {
		if st != StorageObject && st != StorageTape {
			l.StorageType = st
			pl.locations = append(pl.locations, l)
		}
	}
	return nil
}

// NewObjectStoreLocation builds the OBJECT_STORAGE variant. The root is the
// bucket identity (the transaction id), the path the original filesystem
// path.
func NewObjectStoreLocation(tenancy, root, path string, accessTime float64) PathLocation {
	return PathLocation{
		StorageType: StorageObject,
		URLScheme:   "http",
		URLNetloc:   tenancy,
		Root:        root,
		Path:        path,
		AccessTime:  accessTime,
	}
}

// NewTapeLocation builds the TAPE variant. The root is the holding prefix
// below the tape base directory, the path the tarfile name.
func NewTapeLocation(server, holdingPrefix, tarfile string, accessTime float64) PathLocation {
	return PathLocation{
		StorageType: StorageTape,
		URLScheme:   "root",
		URLNetloc:   server,
		Root:        holdingPrefix,
		Path:        tarfile,
		AccessTime:  accessTime,
	}
}
