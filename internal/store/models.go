package store

import "time"

// Run statuses
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Run directions
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// TransferRun records one inbound or outbound execution
type TransferRun struct {
	ID           int64
	RunID        string // uuid, also logged as run_id
	Direction    string // "inbound" or "outbound"
	StartTime    time.Time
	EndTime      time.Time
	FilesOK      int
	FilesFailed  int
	Status       string // "running", "success", "partial", "failed"
	ErrorMessage string
}

// TransferFile is the outcome of one file within a run
type TransferFile struct {
	ID        int64
	RunID     int64
	PartnerID string
	FileName  string
	State     string // last state reached, e.g. "delivered"
	Success   bool
	Error     string
	CreatedAt time.Time
}

// Delivery tracks an outbound file that reached a partner, keyed by
// partner, file name and content hash.
type Delivery struct {
	ID          int64
	PartnerID   string
	FileName    string
	SHA256      string
	DeliveredAt time.Time
	ArchivedAt  time.Time // zero until archived
	ArchivePath string
}

// Archived reports whether the delivered file was archived.
func (d *Delivery) Archived() bool {
	return !d.ArchivedAt.IsZero()
}
