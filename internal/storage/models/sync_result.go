package models

// SyncStats are the per-record counters of a run.
type SyncStats struct {
	Fetched int `json:"fetched"`
	Saved   int `json:"saved"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// ErrorDetail describes one record that failed or was skipped.
type ErrorDetail struct {
	ExternalID string `json:"externalId"`
	Message    string `json:"message"`
	Kind       string `json:"kind,omitempty"`
}

// Cursor lets a caller resume a block import.
type Cursor struct {
	HasMore bool `json:"hasMore"`
	Skip    int  `json:"skip"`
}

// MigrationStats summarizes one misclassification migration batch.
type MigrationStats struct {
	Scanned  int `json:"scanned"`
	Migrated int `json:"migrated"`
	Deleted  int `json:"deleted"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

// Stop reasons for a block import.
const (
	StopExhausted = "exhausted"
	StopMaxPages  = "max_pages"
	StopBudget    = "runtime_budget"
	StopCanceled  = "canceled"
	StopFailed    = "remote_fetch_failed"
)

// ImportResult is returned by a block import run.
type ImportResult struct {
	Success      bool            `json:"success"`
	Stats        SyncStats       `json:"stats"`
	Next         Cursor          `json:"next"`
	Pages        int             `json:"pages"`
	StopReason   string          `json:"stopReason"`
	ElapsedMs    int64           `json:"elapsedMs"`
	Migration    *MigrationStats `json:"migration,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorDetails []ErrorDetail   `json:"errorDetails,omitempty"`
}

// DateRange is a [From, To) window of YYYY-MM-DD dates.
type DateRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ICalSyncStats are the counters of an iCal sync.
type ICalSyncStats struct {
	Listings      int `json:"listings"`
	FetchedEvents int `json:"fetchedEvents"`
	Considered    int `json:"considered"`
	Saved         int `json:"saved"`
	Updated       int `json:"updated"`
	Skipped       int `json:"skipped"`
	Errors        int `json:"errors"`
	FailedFeeds   int `json:"failedFeeds"`
}

// ICalSyncResult is returned by an iCal sync. Feeds that could not be
// fetched are counted in FailedFeeds and listed in ErrorDetails; they do not
// fail the run.
type ICalSyncResult struct {
	Success      bool          `json:"success"`
	Range        DateRange     `json:"range"`
	Stats        ICalSyncStats `json:"stats"`
	ErrorDetails []ErrorDetail `json:"errorDetails,omitempty"`
}
