package domain

import (
	"encoding/json"
	"time"
)

// ProductTypeFood is the product type eligible for event-driven tag refresh.
// Events for other product types still advance the audit log and update
// aggregation, but never trigger a scoped re-import.
const ProductTypeFood = "food"

// Product is a mirrored row of the canonical document-store record. Scalar
// fields are last-write-wins on import; the revision only ever advances.
// Products are never hard-deleted, only marked obsolete.
type Product struct {
	ID          int64      `json:"id"`
	Code        string     `json:"code"`
	Revision    int        `json:"revision"`
	Creator     *string    `json:"creator,omitempty"`
	OwnersTags  *string    `json:"owners_tags,omitempty"`
	Obsolete    bool       `json:"obsolete"`
	ProductType *string    `json:"product_type,omitempty"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// Contributor maps an external user identifier to a surrogate id, assigned in
// creation order. Append-only.
type Contributor struct {
	ID     int64  `json:"id"`
	UserID string `json:"user_id"`
}

// ProductUpdate is the aggregation anchor: at most one row per
// (product, revision), regardless of how often the same change is delivered.
type ProductUpdate struct {
	ProductID     int64     `json:"product_id"`
	Revision      int       `json:"revision"`
	UpdateType    string    `json:"update_type"`
	ContributorID *int64    `json:"contributor_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UpdateEvent is a raw audit row for one delivered change notification.
// Duplicates are recorded as distinct rows; nothing reads this table for
// correctness.
type UpdateEvent struct {
	ID         int64           `json:"id"`
	EventID    string          `json:"event_id"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Country is a mirrored country tag, created on first sight during import.
type Country struct {
	ID  int64  `json:"id"`
	Tag string `json:"tag"`
}

// ProductCountry holds per-country statistics backing the popularity-ranked
// lookup. Written only by the sync orchestrator.
type ProductCountry struct {
	ProductID     int64 `json:"product_id"`
	CountryID     int64 `json:"country_id"`
	Obsolete      bool  `json:"obsolete"`
	RecentScans   int   `json:"recent_scans"`
	TotalScans    int   `json:"total_scans"`
	PopularityKey int64 `json:"popularity_key"`
}

// LoadedTag marks a tag type as having completed at least one full sync,
// making it eligible for filtering, grouping and event-driven refresh.
type LoadedTag struct {
	Tag      string    `json:"tag"`
	LoadedAt time.Time `json:"loaded_at"`
}

// OwnerUpdateCount is one row of the product_updates_by_owner view.
type OwnerUpdateCount struct {
	OwnerTag     string `json:"owner_tag"`
	UpdateType   string `json:"update_type"`
	UpdateCount  int    `json:"update_count"`
	ProductCount int    `json:"product_count"`
}
