package catalog

import (
	"errors"
	"regexp"

	"gorm.io/gorm"
)

// HoldingQuery selects holdings. User is always required; Group is
// required when GroupAll is set, in which case every holding of the group
// is visible regardless of owner.
type HoldingQuery struct {
	User     string
	Group    string
	GroupAll bool

	// Label is a regular expression matched against the holding label.
	Label string
	// HoldingID selects one holding by id.
	HoldingID uint
	// TransactionID selects the holding containing the transaction.
	TransactionID string
	// Tag requires every (key, value) pair to be present on the holding.
	Tag map[string]string
}

// GetHoldings returns the holdings matching the query, fully loaded with
// transactions and tags. Fails NotFound if none match.
func (s *Session) GetHoldings(q HoldingQuery) ([]Holding, error) {
	db := s.db.Preload("Tags").Preload("Transactions")
	if q.GroupAll {
		db = db.Where(`"group" = ?`, q.Group)
	} else {
		db = db.Where(`user = ?`, q.User)
		if q.Group != "" {
			db = db.Where(`"group" = ?`, q.Group)
		}
	}
	if q.HoldingID != 0 {
		db = db.Where("id = ?", q.HoldingID)
	}
	if q.TransactionID != "" {
		db = db.Where("id IN (?)", s.db.Model(&Transaction{}).
			Select("holding_id").Where("transaction_id = ?", q.TransactionID))
	}

	var holdings []Holding
	if err := db.Order("id").Find(&holdings).Error; err != nil {
		return nil, err
	}

	// Label regex and tag matching are applied here rather than in SQL so
	// behaviour is identical on both database backends.
	if q.Label != "" {
		re, err := regexp.Compile(q.Label)
		if err != nil {
			return nil, newError(KindInvalid, "invalid label expression %q: %v", q.Label, err)
		}
		holdings = filterHoldings(holdings, func(h *Holding) bool {
			return re.MatchString(h.Label)
		})
	}
	if len(q.Tag) > 0 {
		holdings = filterHoldings(holdings, func(h *Holding) bool {
			tags := h.TagMap()
			for k, v := range q.Tag {
				if tags[k] != v {
					return false
				}
			}
			return true
		})
	}

	if len(holdings) == 0 {
		return nil, newError(KindNotFound, "no holdings found for user %s", q.User)
	}
	return holdings, nil
}

// GetHolding returns exactly one holding for the query.
func (s *Session) GetHolding(q HoldingQuery) (*Holding, error) {
	holdings, err := s.GetHoldings(q)
	if err != nil {
		return nil, err
	}
	if len(holdings) > 1 {
		return nil, newError(KindInvalid, "query matched %d holdings, expected one", len(holdings))
	}
	return &holdings[0], nil
}

// CreateHolding creates a holding. Fails Conflict on a (label, user)
// clash.
func (s *Session) CreateHolding(user, group, label string) (*Holding, error) {
	h := &Holding{Label: label, User: user, Group: group}
	if err := s.db.Create(h).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, newError(KindConflict, "holding with label %s already exists for user %s", label, user)
		}
		return nil, err
	}
	return h, nil
}

// ModifyHolding applies a metadata change: an optional relabel, tags to
// add or overwrite, and tags to delete. A tag delete with a non-empty
// value only removes the tag when the stored value matches.
func (s *Session) ModifyHolding(h *Holding, newLabel string, tags, delTags map[string]string) error {
	if newLabel != "" && newLabel != h.Label {
		var count int64
		err := s.db.Model(&Holding{}).
			Where("label = ? AND user = ? AND id <> ?", newLabel, h.User, h.ID).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return newError(KindConflict, "holding with label %s already exists for user %s", newLabel, h.User)
		}
		h.Label = newLabel
		if err := s.db.Model(h).Update("label", newLabel).Error; err != nil {
			return err
		}
	}

	for k, v := range tags {
		var tag Tag
		err := s.db.Where("holding_id = ? AND key = ?", h.ID, k).First(&tag).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := s.db.Create(&Tag{Key: k, Value: v, HoldingID: h.ID}).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := s.db.Model(&tag).Update("value", v).Error; err != nil {
				return err
			}
		}
	}

	for k, v := range delTags {
		db := s.db.Where("holding_id = ? AND key = ?", h.ID, k)
		if v != "" {
			db = db.Where("value = ?", v)
		}
		if err := db.Delete(&Tag{}).Error; err != nil {
			return err
		}
	}

	return s.db.Preload("Tags").Preload("Transactions").First(h, h.ID).Error
}

// DeleteHolding removes an (empty) holding and its tags.
func (s *Session) DeleteHolding(h *Holding) error {
	if err := s.db.Where("holding_id = ?", h.ID).Delete(&Tag{}).Error; err != nil {
		return err
	}
	return s.db.Delete(h).Error
}

// CreateTransaction records one ingest event inside the holding.
func (s *Session) CreateTransaction(h *Holding, transactionID string) (*Transaction, error) {
	t := &Transaction{TransactionID: transactionID, HoldingID: h.ID}
	if err := s.db.Create(t).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, newError(KindConflict, "transaction %s already exists", transactionID)
		}
		return nil, err
	}
	return t, nil
}

// GetTransaction finds a transaction by its opaque transaction id.
func (s *Session) GetTransaction(transactionID string) (*Transaction, error) {
	var t Transaction
	err := s.db.Where("transaction_id = ?", transactionID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newError(KindNotFound, "transaction %s not found", transactionID)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func filterHoldings(holdings []Holding, keep func(*Holding) bool) []Holding {
	out := holdings[:0]
	for i := range holdings {
		if keep(&holdings[i]) {
			out = append(out, holdings[i])
		}
	}
	return out
}
