package store

import (
	"context"
	"time"

	"product-query-service/internal/domain"
)

// EventStorer holds the mirror writes performed by the event ingestor. Each
// method is atomic on its own; the (product, revision) uniqueness constraint
// behind InsertProductUpdate is the pipeline's sole deduplication point.
type EventStorer interface {
	RecordUpdateEvent(ctx context.Context, eventID string, payload []byte, receivedAt time.Time) error
	GetOrCreateContributor(ctx context.Context, userID string) (*domain.Contributor, error)
	UpsertProductForEvent(ctx context.Context, code string, revision *int) (*domain.Product, error)
	InsertProductUpdate(ctx context.Context, update *domain.ProductUpdate) (bool, error)
}

// MirrorStorer holds the writes owned by the sync orchestrator. Tag-collection
// and per-country statistics rows are rewritten wholesale, never mutated.
type MirrorStorer interface {
	AcquireMaintenanceLock(ctx context.Context) (release func(), ok bool, err error)
	AcquireScanLock(ctx context.Context) (release func(), err error)
	ClearTagData(ctx context.Context) error
	LatestProductUpdatedAt(ctx context.Context) (*time.Time, error)
	UpsertMirroredProduct(ctx context.Context, p *domain.Product) (int64, error)
	ReplaceProductTags(ctx context.Context, productID int64, table string, values []string) error
	GetOrCreateCountry(ctx context.Context, tag string) (int64, error)
	ReplaceProductCountries(ctx context.Context, productID int64, entries []domain.ProductCountry) error
	UpsertLoadedTag(ctx context.Context, tag string, loadedAt time.Time) error
}

// ReportStorer serves the owner contribution report.
type ReportStorer interface {
	UpdatesByOwner(ctx context.Context, owner string) ([]domain.OwnerUpdateCount, error)
}
