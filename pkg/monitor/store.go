// Package monitor records per-transaction progress: which sub-units of a
// job exist, how far each has got, and which files failed on the way.
// Append-mostly; only SubRecord rows are updated in place.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"gorm.io/gorm"

	"github.com/cedadev/nlds/internal/database"
	"github.com/cedadev/nlds/pkg/message"
)

// Config selects and configures the monitor database.
type Config = database.Config

// ErrStateRegression is returned when an update would move a sub record
// backwards.
var ErrStateRegression = errors.New("sub record state must not decrease")

// ErrNotFound is returned when a queried record does not exist.
var ErrNotFound = errors.New("record not found")

// Store holds the monitor database connection.
type Store struct {
	db     *gorm.DB
	config *Config
}

// Open connects to the monitor database and migrates the schema.
func Open(config *Config) (*Store, error) {
	if config == nil {
		config = &Config{}
	}
	config.ApplyDefaults("monitor.db")
	db, err := database.Open(config, allModels()...)
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	return &Store{db: db, config: config}, nil
}

// DB returns the underlying GORM database connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return database.Close(s.db)
}

// Session is a per-message unit of work.
type Session struct {
	db *gorm.DB
}

// WithSession runs fn inside one database transaction.
func (s *Store) WithSession(ctx context.Context, fn func(tx *Session) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Session{db: tx})
	})
}

// CreateTransactionRecord records a new job.
func (s *Session) CreateTransactionRecord(user, group, transactionID, jobLabel, apiAction string) (*TransactionRecord, error) {
	tr := &TransactionRecord{
		TransactionID: transactionID,
		User:          user,
		Group:         group,
		JobLabel:      jobLabel,
		APIAction:     apiAction,
	}
	if err := s.db.Create(tr).Error; err != nil {
		return nil, err
	}
	return tr, nil
}

// GetTransactionRecord loads one job by its transaction id.
func (s *Session) GetTransactionRecord(transactionID string) (*TransactionRecord, error) {
	var tr TransactionRecord
	err := s.db.Preload("SubRecords").Preload("SubRecords.FailedFiles").Preload("Warnings").
		Where("transaction_id = ?", transactionID).First(&tr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

// FindOrCreateTransactionRecord returns the job for the transaction id,
// creating it on first contact.
func (s *Session) FindOrCreateTransactionRecord(user, group, transactionID, jobLabel, apiAction string) (*TransactionRecord, error) {
	tr, err := s.GetTransactionRecord(transactionID)
	if errors.Is(err, ErrNotFound) {
		return s.CreateTransactionRecord(user, group, transactionID, jobLabel, apiAction)
	}
	return tr, err
}

// RecordQuery filters a stat query. Regular expressions are matched in
// the application for backend portability.
type RecordQuery struct {
	User     string
	Group    string
	GroupAll bool

	ID            uint
	TransactionID string
	JobLabel      string
	APIAction     string
	SubID         string
	State         *message.State
}

// GetTransactionRecords returns the jobs matching the query, newest
// first, fully loaded.
func (s *Session) GetTransactionRecords(q RecordQuery) ([]TransactionRecord, error) {
	db := s.db.Preload("SubRecords").Preload("SubRecords.FailedFiles").Preload("Warnings")
	if q.GroupAll {
		db = db.Where(`"group" = ?`, q.Group)
	} else if q.User != "" {
		db = db.Where(`user = ?`, q.User)
		if q.Group != "" {
			db = db.Where(`"group" = ?`, q.Group)
		}
	}
	if q.ID != 0 {
		db = db.Where("id = ?", q.ID)
	}
	if q.APIAction != "" {
		db = db.Where("api_action = ?", q.APIAction)
	}

	var records []TransactionRecord
	if err := db.Order("id DESC").Find(&records).Error; err != nil {
		return nil, err
	}

	if q.TransactionID != "" {
		re, err := regexp.Compile(q.TransactionID)
		if err != nil {
			return nil, fmt.Errorf("invalid transaction id expression %q: %v", q.TransactionID, err)
		}
		records = filterRecords(records, func(tr *TransactionRecord) bool {
			return re.MatchString(tr.TransactionID)
		})
	}
	if q.JobLabel != "" {
		re, err := regexp.Compile(q.JobLabel)
		if err != nil {
			return nil, fmt.Errorf("invalid job label expression %q: %v", q.JobLabel, err)
		}
		records = filterRecords(records, func(tr *TransactionRecord) bool {
			return re.MatchString(tr.JobLabel)
		})
	}
	if q.SubID != "" {
		records = filterRecords(records, func(tr *TransactionRecord) bool {
			for _, sr := range tr.SubRecords {
				if sr.SubID == q.SubID {
					return true
				}
			}
			return false
		})
	}
	if q.State != nil {
		records = filterRecords(records, func(tr *TransactionRecord) bool {
			return tr.OverallState() == *q.State
		})
	}
	return records, nil
}

// CreateSubRecord registers a new sub-unit of the job.
func (s *Session) CreateSubRecord(tr *TransactionRecord, subID string, state message.State) (*SubRecord, error) {
	sr := &SubRecord{SubID: subID, State: state, TransactionRecordID: tr.ID}
	if err := s.db.Create(sr).Error; err != nil {
		return nil, err
	}
	return sr, nil
}

// GetSubRecord loads one sub record by sub id.
func (s *Session) GetSubRecord(subID string) (*SubRecord, error) {
	var sr SubRecord
	err := s.db.Preload("FailedFiles").Where("sub_id = ?", subID).First(&sr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("sub record %s: %w", subID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sr, nil
}

// FindOrCreateSubRecord returns the sub record, creating it in
// INITIALISING on first contact.
func (s *Session) FindOrCreateSubRecord(tr *TransactionRecord, subID string) (*SubRecord, error) {
	sr, err := s.GetSubRecord(subID)
	if errors.Is(err, ErrNotFound) {
		return s.CreateSubRecord(tr, subID, message.StateInitialising)
	}
	return sr, err
}

// UpdateSubRecord advances the sub record. A regressing state is an
// error; an equal state is an idempotent redelivery and allowed. The
// retry counter bumps when retry is set and resets on a clean advance.
func (s *Session) UpdateSubRecord(sr *SubRecord, newState message.State, retry bool) error {
	if newState < sr.State {
		return fmt.Errorf("%s -> %s: %w", sr.State, newState, ErrStateRegression)
	}

	updates := map[string]any{"state": newState}
	switch {
	case retry:
		sr.RetryCount++
		updates["retry_count"] = sr.RetryCount
	case newState > sr.State && !newState.IsFailed():
		sr.RetryCount = 0
		updates["retry_count"] = 0
	}
	sr.State = newState
	return s.db.Model(sr).Updates(updates).Error
}

// CreateFailedFile records one failed file under the sub record.
func (s *Session) CreateFailedFile(sr *SubRecord, pd *message.PathDetails) (*FailedFile, error) {
	ff := &FailedFile{
		Filepath:    pd.OriginalPath,
		Reason:      pd.FailureReason,
		SubRecordID: sr.ID,
	}
	if err := s.db.Create(ff).Error; err != nil {
		return nil, err
	}
	return ff, nil
}

// CreateWarning attaches a non-fatal notice to the job.
func (s *Session) CreateWarning(tr *TransactionRecord, text string) (*Warning, error) {
	w := &Warning{Warning: text, TransactionRecordID: tr.ID}
	if err := s.db.Create(w).Error; err != nil {
		return nil, err
	}
	return w, nil
}

// CheckCompletion promotes the job's sub records once every one of them
// has reached a final state: failed ones to FAILED, the rest to COMPLETE.
// Does nothing while work remains.
func (s *Session) CheckCompletion(tr *TransactionRecord) error {
	var subs []SubRecord
	if err := s.db.Where("transaction_record_id = ?", tr.ID).Find(&subs).Error; err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}
	for _, sr := range subs {
		if !sr.State.IsFinal() {
			return nil
		}
	}
	for i := range subs {
		sr := &subs[i]
		target := message.StateComplete
		if sr.State.IsFailed() {
			target = message.StateFailed
		}
		if sr.State == target {
			continue
		}
		if err := s.db.Model(sr).Update("state", target).Error; err != nil {
			return err
		}
	}
	return nil
}

func filterRecords(records []TransactionRecord, keep func(*TransactionRecord) bool) []TransactionRecord {
	out := records[:0]
	for i := range records {
		if keep(&records[i]) {
			out = append(out, records[i])
		}
	}
	return out
}
