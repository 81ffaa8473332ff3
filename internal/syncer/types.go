package syncer

import (
	"encoding/json"
	"time"

	"github.com/rovermatic/fieldsync/internal/models"
)

// Wire protocol types for POST /sync/pull and POST /sync/push.

// PullRequest asks the server for all changes after lastSyncVersion
type PullRequest struct {
	DeviceID        string   `json:"deviceId"`
	LastSyncVersion int64    `json:"lastSyncVersion"`
	EntityTypes     []string `json:"entityTypes"`
	PageSize        int      `json:"pageSize,omitempty"`
}

// Change is one server-side entity change inside a pull page
type Change struct {
	EntityType  string           `json:"entityType"`
	EntityID    string           `json:"entityId"`
	Operation   models.Operation `json:"operation"`
	Data        json.RawMessage  `json:"data"`
	SyncVersion int64            `json:"syncVersion"`
}

// PullResponse is one page of server changes
type PullResponse struct {
	NewSyncVersion int64    `json:"newSyncVersion"`
	Changes        []Change `json:"changes"`
	HasMore        bool     `json:"hasMore"`
}

// PushChange is one queued local mutation offered to the server
type PushChange struct {
	EntityType      string           `json:"entityType"`
	EntityID        string           `json:"entityId"`
	Operation       models.Operation `json:"operation"`
	Data            json.RawMessage  `json:"data"`
	BaseSyncVersion int64            `json:"baseSyncVersion"`
}

// PushRequest offers pending local mutations to the server
type PushRequest struct {
	DeviceID string       `json:"deviceId"`
	Changes  []PushChange `json:"changes"`
}

// AppliedChange reports the server-assigned version for an accepted change.
// Data is non-null when the server corrected fields on apply, e.g. after
// renumbering a duplicate human-facing identifier.
type AppliedChange struct {
	EntityType  string          `json:"entityType"`
	EntityID    string          `json:"entityId"`
	SyncVersion int64           `json:"syncVersion"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// PushConflict reports a version mismatch the server detected for one change
type PushConflict struct {
	EntityType        string          `json:"entityType"`
	EntityID          string          `json:"entityId"`
	LocalData         json.RawMessage `json:"localData"`
	ServerData        json.RawMessage `json:"serverData"`
	ServerSyncVersion int64           `json:"serverSyncVersion"`
}

// RejectedChange reports a change the server refused permanently
// (validation or serialization failure); the item must not be retried.
type RejectedChange struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Error      string `json:"error"`
}

// PushResponse is the per-item outcome of a push batch
type PushResponse struct {
	AppliedCount int              `json:"appliedCount"`
	Applied      []AppliedChange  `json:"applied"`
	Conflicts    []PushConflict   `json:"conflicts"`
	Rejected     []RejectedChange `json:"rejected,omitempty"`
}

// ResolveRequest forwards a conflict resolution to the server
type ResolveRequest struct {
	Resolution models.Resolution `json:"resolution"`
	MergedData json.RawMessage   `json:"mergedData"`
}

// SyncResult summarizes one completed sync cycle
type SyncResult struct {
	Pushed    int           `json:"pushed"`
	Pulled    int           `json:"pulled"`
	Conflicts int           `json:"conflicts"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// SyncStatus is the queryable state of the engine
type SyncStatus struct {
	PendingCount  int64      `json:"pendingCount"`
	FailedCount   int64      `json:"failedCount"`
	ConflictCount int64      `json:"conflictCount"`
	LastSyncAt    *time.Time `json:"lastSyncAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	IsSyncing     bool       `json:"isSyncing"`
	IsOnline      bool       `json:"isOnline"`
}
