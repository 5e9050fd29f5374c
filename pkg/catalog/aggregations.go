package catalog

import (
	"errors"

	"gorm.io/gorm"
)

// CreateAggregation records a tar archive on tape. Checksum and algorithm
// may be empty until the tape write is verified.
func (s *Session) CreateAggregation(tarname, checksum, algorithm string) (*Aggregation, error) {
	a := &Aggregation{Tarname: tarname, Checksum: checksum, Algorithm: algorithm}
	if err := s.db.Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

// GetAggregation loads an aggregation by id.
func (s *Session) GetAggregation(id uint) (*Aggregation, error) {
	var a Aggregation
	err := s.db.First(&a, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newError(KindNotFound, "aggregation %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAggregation sets the verified checksum and, if the tarname
// changed (a repack), renames it on every dependent location.
func (s *Session) UpdateAggregation(a *Aggregation, checksum, algorithm, tarname string) error {
	updates := map[string]any{
		"checksum":  checksum,
		"algorithm": algorithm,
		"failed_fl": false,
	}
	if tarname != "" && tarname != a.Tarname {
		updates["tarname"] = tarname
		err := s.db.Model(&Location{}).
			Where("aggregation_id = ?", a.ID).
			Update("path", tarname).Error
		if err != nil {
			return err
		}
		a.Tarname = tarname
	}
	a.Checksum = checksum
	a.Algorithm = algorithm
	a.FailedFl = false
	return s.db.Model(a).Updates(updates).Error
}

// FailAggregation marks the aggregation as needing repack.
func (s *Session) FailAggregation(a *Aggregation) error {
	a.FailedFl = true
	return s.db.Model(a).Update("failed_fl", true).Error
}

// DeleteAggregation removes the aggregation; dependent locations are
// detached, not deleted.
func (s *Session) DeleteAggregation(a *Aggregation) error {
	err := s.db.Model(&Location{}).
		Where("aggregation_id = ?", a.ID).
		Update("aggregation_id", nil).Error
	if err != nil {
		return err
	}
	return s.db.Delete(a).Error
}

// AttachLocation associates a TAPE location with the aggregation covering
// it.
func (s *Session) AttachLocation(a *Aggregation, l *Location) error {
	l.AggregationID = &a.ID
	return s.db.Model(l).Update("aggregation_id", a.ID).Error
}

// GetNextUnarchivedHolding returns the lowest-id holding that has at
// least one file without a TAPE location, or NotFound when the archive is
// fully caught up.
func (s *Session) GetNextUnarchivedHolding() (*Holding, error) {
	tapeFiles := s.db.Model(&Location{}).Select("file_id").
		Where("storage_type = ?", StorageTape)
	holdingIDs := s.db.Model(&Transaction{}).Select("transactions.holding_id").
		Joins("JOIN files ON files.transaction_id = transactions.id").
		Where("files.id NOT IN (?)", tapeFiles)

	var h Holding
	err := s.db.Preload("Tags").Preload("Transactions").
		Where("id IN (?)", holdingIDs).Order("id").First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newError(KindNotFound, "no unarchived holdings")
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// GetUnarchivedFiles returns the files of the holding that have no TAPE
// location yet, loaded with their locations.
func (s *Session) GetUnarchivedFiles(h *Holding) ([]File, error) {
	tapeFiles := s.db.Model(&Location{}).Select("file_id").
		Where("storage_type = ?", StorageTape)

	var files []File
	err := s.db.Preload("Locations").
		Where("transaction_id IN (?)",
			s.db.Model(&Transaction{}).Select("id").Where("holding_id = ?", h.ID)).
		Where("id NOT IN (?)", tapeFiles).
		Order("id").Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}
