package catalog

import (
	"errors"
	"regexp"
	"sort"

	"gorm.io/gorm"

	"github.com/cedadev/nlds/pkg/message"
)

// FileQuery selects files across one or more holdings.
type FileQuery struct {
	HoldingQuery

	// Path is a regular expression matched against original_path. Empty
	// selects every file in the matched holdings.
	Path string

	// One returns at most one file per original_path across holdings,
	// the copy from the most recent transaction.
	One bool
}

// GetFiles returns the files matching the query, fully loaded with
// locations and checksums. Fails NotFound if none match.
func (s *Session) GetFiles(q FileQuery) ([]File, error) {
	holdings, err := s.GetHoldings(q.HoldingQuery)
	if err != nil {
		return nil, err
	}

	var re *regexp.Regexp
	if q.Path != "" {
		re, err = regexp.Compile(q.Path)
		if err != nil {
			return nil, newError(KindInvalid, "invalid path expression %q: %v", q.Path, err)
		}
	}

	type candidate struct {
		file    File
		holding uint
	}
	var all []candidate
	for _, h := range holdings {
		for _, t := range h.Transactions {
			var files []File
			err := s.db.Preload("Locations").Preload("Checksums").
				Where("transaction_id = ?", t.ID).Order("id").Find(&files).Error
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				if re != nil && !re.MatchString(f.OriginalPath) {
					continue
				}
				all = append(all, candidate{file: f, holding: h.ID})
			}
		}
	}

	if q.One {
		// Most recent transaction wins per original path. Transaction ids
		// are monotonic with ingest time.
		best := make(map[string]candidate)
		for _, c := range all {
			if prev, ok := best[c.file.OriginalPath]; !ok || c.file.TransactionID > prev.file.TransactionID {
				best[c.file.OriginalPath] = c
			}
		}
		all = all[:0]
		for _, c := range best {
			all = append(all, c)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].file.ID < all[j].file.ID })
	}

	if len(all) == 0 {
		return nil, newError(KindNotFound, "no files found for user %s", q.User)
	}
	out := make([]File, len(all))
	for i, c := range all {
		out[i] = c.file
	}
	return out, nil
}

// GetFilesByPaths returns the files of a holding whose original paths are
// in the given set, preferring the most recent transaction per path.
func (s *Session) GetFilesByPaths(q HoldingQuery, paths []string) (map[string]File, error) {
	files, err := s.GetFiles(FileQuery{HoldingQuery: q, One: true})
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(paths))
	for _, p := range paths {
		wanted[p] = true
	}
	out := make(map[string]File)
	for _, f := range files {
		if wanted[f.OriginalPath] {
			out[f.OriginalPath] = f
		}
	}
	return out, nil
}

// CreateFile records one indexed filesystem entry under the transaction.
// Duplicate original paths within the same holding are rejected.
func (s *Session) CreateFile(t *Transaction, pd *message.PathDetails) (*File, error) {
	var count int64
	err := s.db.Model(&File{}).
		Where("original_path = ? AND transaction_id IN (?)", pd.OriginalPath,
			s.db.Model(&Transaction{}).Select("id").Where("holding_id = ?", t.HoldingID)).
		Count(&count).Error
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, newError(KindConflict, "file %s already exists in holding", pd.OriginalPath)
	}

	f := &File{
		TransactionID:   t.ID,
		OriginalPath:    pd.OriginalPath,
		PathType:        int(pd.PathType),
		LinkPath:        pd.LinkPath,
		Size:            pd.Size,
		User:            pd.User,
		Group:           pd.Group,
		FilePermissions: pd.Permissions,
	}
	if err := s.db.Create(f).Error; err != nil {
		return nil, err
	}
	return f, nil
}

// DeleteFile removes a file and, by cascade, its locations and checksums.
// If the file was the last one in its holding, the holding goes too.
func (s *Session) DeleteFile(f *File) error {
	var t Transaction
	if err := s.db.First(&t, f.TransactionID).Error; err != nil {
		return err
	}
	if err := s.db.Where("file_id = ?", f.ID).Delete(&Location{}).Error; err != nil {
		return err
	}
	if err := s.db.Where("file_id = ?", f.ID).Delete(&Checksum{}).Error; err != nil {
		return err
	}
	if err := s.db.Delete(f).Error; err != nil {
		return err
	}

	var remaining int64
	err := s.db.Model(&File{}).
		Where("transaction_id IN (?)",
			s.db.Model(&Transaction{}).Select("id").Where("holding_id = ?", t.HoldingID)).
		Count(&remaining).Error
	if err != nil {
		return err
	}
	if remaining == 0 {
		if err := s.db.Where("holding_id = ?", t.HoldingID).Delete(&Transaction{}).Error; err != nil {
			return err
		}
		if err := s.db.Where("holding_id = ?", t.HoldingID).Delete(&Tag{}).Error; err != nil {
			return err
		}
		return s.db.Delete(&Holding{}, t.HoldingID).Error
	}
	// Transactions emptied by the delete are cleaned up as well.
	var txRemaining int64
	if err := s.db.Model(&File{}).Where("transaction_id = ?", t.ID).Count(&txRemaining).Error; err != nil {
		return err
	}
	if txRemaining == 0 {
		return s.db.Delete(&t).Error
	}
	return nil
}

// GetLocation returns the file's location of the given storage type.
// Fails NotFound when the file has no copy on that tier.
func (s *Session) GetLocation(f *File, storageType string) (*Location, error) {
	var l Location
	err := s.db.Where("file_id = ? AND storage_type = ?", f.ID, storageType).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newError(KindNotFound, "file %s has no %s location", f.OriginalPath, storageType)
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateLocation records a copy of the file on a storage tier. An
// all-empty URL (the placeholder form) marks in-flight work. Fails
// Conflict if the file already has a location of that storage type.
func (s *Session) CreateLocation(f *File, pl message.PathLocation) (*Location, error) {
	l := &Location{
		StorageType:   pl.StorageType,
		URLScheme:     pl.URLScheme,
		URLNetloc:     pl.URLNetloc,
		Root:          pl.Root,
		Path:          pl.Path,
		AccessTime:    pl.AccessTime,
		FileID:        f.ID,
		AggregationID: pl.AggregationID,
	}
	if err := s.db.Create(l).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, newError(KindConflict, "file %s already has a %s location", f.OriginalPath, pl.StorageType)
		}
		return nil, err
	}
	return l, nil
}

// FillLocation populates a placeholder location with the materialised URL
// fields.
func (s *Session) FillLocation(l *Location, pl message.PathLocation) error {
	l.URLScheme = pl.URLScheme
	l.URLNetloc = pl.URLNetloc
	l.Root = pl.Root
	l.Path = pl.Path
	l.AccessTime = pl.AccessTime
	return s.db.Model(l).Updates(map[string]any{
		"url_scheme":  pl.URLScheme,
		"url_netloc":  pl.URLNetloc,
		"root":        pl.Root,
		"path":        pl.Path,
		"access_time": pl.AccessTime,
	}).Error
}

// DeleteLocation removes the file's location of the given storage type.
func (s *Session) DeleteLocation(f *File, storageType string) error {
	return s.db.Where("file_id = ? AND storage_type = ?", f.ID, storageType).
		Delete(&Location{}).Error
}

// CreateChecksum records a digest of the file's content.
func (s *Session) CreateChecksum(f *File, value, algorithm string) (*Checksum, error) {
	c := &Checksum{Checksum: value, Algorithm: algorithm, FileID: f.ID}
	if err := s.db.Create(c).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, newError(KindConflict, "checksum %s (%s) already recorded", value, algorithm)
		}
		return nil, err
	}
	return c, nil
}
