package ledger

import (
	"time"
)

// ErrorPrefix precedes the upload error text stored on a failed item.
const ErrorPrefix = "Unable to copy file to destination: "

// Item is the transfer state of one rendered file.
type Item struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	URL               string     `gorm:"uniqueIndex;not null" json:"url"`
	FilePath          *string    `gorm:"index" json:"file_path"`
	LastModifiedAt    *time.Time `json:"last_modified_at"`
	LastTransferredAt *time.Time `gorm:"index" json:"last_transferred_at"`
	LastAttemptedAt   *time.Time `json:"last_attempted_at"`
	ErrorMessage      *string    `json:"error_message"`
	Attempts          int        `gorm:"not null;default:0" json:"attempts"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TableName overrides the gorm default.
func (Item) TableName() string {
	return "transfer_items"
}

// Path returns the file path or "" when unset.
func (i *Item) Path() string {
	if i.FilePath == nil {
		return ""
	}

	return *i.FilePath
}

// ItemSpec describes an item registered by the renderer or the archive scanner.
type ItemSpec struct {
	URL            string
	FilePath       string
	LastModifiedAt *time.Time
}

// Attempt is the outcome of a single upload attempt for an item.
type Attempt struct {
	ItemID      uint
	AttemptedAt time.Time
	// Err is nil when the upload succeeded.
	Err error
	// KeepEligible leaves last_transferred_at untouched on failure so the
	// item is selected again within the current run.
	KeepEligible bool
}

// Run is one publish run. Its start time is the eligibility cutoff.
type Run struct {
	ID          string     `gorm:"primaryKey" json:"id"`
	StartedAt   time.Time  `gorm:"not null;index" json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// TableName overrides the gorm default.
func (Run) TableName() string {
	return "publish_runs"
}

// StatusMessage is the latest human-readable message under a key.
type StatusMessage struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Message   string    `gorm:"not null" json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats summarizes the ledger relative to a run start.
type Stats struct {
	Total       int64 `json:"total"`
	Pending     int64 `json:"pending"`
	Transferred int64 `json:"transferred"`
	Failed      int64 `json:"failed"`
}
