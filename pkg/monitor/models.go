package monitor

import (
	"time"

	"github.com/cedadev/nlds/pkg/message"
)

// TransactionRecord is the user-visible job: one row per top-level
// operation, fanning out into SubRecords as the pipeline splits the work.
type TransactionRecord struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	TransactionID string    `gorm:"not null;size:64;uniqueIndex" json:"transaction_id"`
	User          string    `gorm:"not null;size:255;index" json:"user"`
	Group         string    `gorm:"not null;size:255;index" json:"group"`
	JobLabel      string    `gorm:"size:255" json:"job_label,omitempty"`
	APIAction     string    `gorm:"not null;size:32" json:"api_action"`
	CreationTime  time.Time `gorm:"autoCreateTime" json:"creation_time"`

	SubRecords []SubRecord `gorm:"foreignKey:TransactionRecordID;constraint:OnDelete:CASCADE" json:"sub_records,omitempty"`
	Warnings   []Warning   `gorm:"foreignKey:TransactionRecordID;constraint:OnDelete:CASCADE" json:"warnings,omitempty"`
}

func (TransactionRecord) TableName() string { return "transaction_records" }

// OverallState derives the job-level state from the sub records: the
// minimum in-flight state while work remains, and one of the COMPLETE /
// FAILED family once every sub record is final.
func (tr *TransactionRecord) OverallState() message.State {
	if len(tr.SubRecords) == 0 {
		return message.StateInitialising
	}

	allFinal := true
	anyFailed := false
	allFailed := true
	lowest := tr.SubRecords[0].State
	for _, sr := range tr.SubRecords {
		if sr.State < lowest {
			lowest = sr.State
		}
		if !sr.State.IsFinal() {
			allFinal = false
		}
		if sr.State.IsFailed() {
			anyFailed = true
		} else {
			allFailed = false
		}
	}
	if !allFinal {
		return lowest
	}
	switch {
	case allFailed:
		return message.StateFailed
	case anyFailed:
		return message.StateCompleteWithErrors
	case len(tr.Warnings) > 0:
		return message.StateCompleteWithWarnings
	default:
		return message.StateComplete
	}
}

// SubRecord is one parallel unit of work inside a TransactionRecord. Its
// state only ever moves forward.
type SubRecord struct {
	ID                  uint          `gorm:"primaryKey" json:"id"`
	SubID               string        `gorm:"not null;size:64;uniqueIndex" json:"sub_id"`
	State               message.State `gorm:"not null" json:"state"`
	RetryCount          int           `gorm:"not null;default:0" json:"retry_count"`
	LastUpdated         time.Time     `gorm:"autoUpdateTime" json:"last_updated"`
	TransactionRecordID uint          `gorm:"not null;index" json:"-"`

	FailedFiles []FailedFile `gorm:"foreignKey:SubRecordID;constraint:OnDelete:CASCADE" json:"failed_files,omitempty"`
}

func (SubRecord) TableName() string { return "sub_records" }

// FailedFile records one file a sub-transaction gave up on, with the
// reason shown to the user.
type FailedFile struct {
	ID          uint   `gorm:"primaryKey" json:"-"`
	Filepath    string `gorm:"not null;size:4096" json:"filepath"`
	Reason      string `gorm:"size:1024" json:"reason"`
	SubRecordID uint   `gorm:"not null;index" json:"-"`
}

func (FailedFile) TableName() string { return "failed_files" }

// Warning is a non-fatal notice attached to the whole job.
type Warning struct {
	ID                  uint   `gorm:"primaryKey" json:"-"`
	Warning             string `gorm:"not null;size:1024" json:"warning"`
	TransactionRecordID uint   `gorm:"not null;index" json:"-"`
}

func (Warning) TableName() string { return "warnings" }

func allModels() []any {
	return []any{
		&TransactionRecord{},
		&SubRecord{},
		&FailedFile{},
		&Warning{},
	}
}
