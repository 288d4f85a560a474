package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"product-query-service/internal/docstore"
	"product-query-service/internal/domain"
	"product-query-service/internal/store"
	"product-query-service/internal/tags"
)

// ErrImportRunning is returned when a full import is requested while another
// one holds the maintenance lock.
var ErrImportRunning = errors.New("importer: a full import is already running")

// DocumentScanner is the slice of the document store the importer needs:
// a streamed bulk scan filtered by modification time or an explicit code set.
type DocumentScanner interface {
	Scan(ctx context.Context, q docstore.ScanQuery, fn func(batch []docstore.Document) error) error
}

// Importer re-imports products from the document store into the relational
// mirror. It is the only writer of tag-collection and per-country statistics
// data, and the only registrar of loaded tags.
type Importer struct {
	store    store.MirrorStorer
	docs     DocumentScanner
	schema   *tags.Schema
	registry *tags.Registry
	log      *zap.Logger
	pageSize int
	now      func() time.Time

	mu         sync.Mutex
	countryIDs map[string]int64
}

func New(st store.MirrorStorer, docs DocumentScanner, schema *tags.Schema, registry *tags.Registry, log *zap.Logger, pageSize int) *Importer {
	return &Importer{
		store:      st,
		docs:       docs,
		schema:     schema,
		registry:   registry,
		log:        log,
		pageSize:   pageSize,
		now:        time.Now,
		countryIDs: map[string]int64{},
	}
}

// ImportFull clears all mirrored tag-collection state and per-country
// statistics and rebuilds them from a complete document-store scan. Runs
// under the maintenance lock: full mode is destructive and must never overlap
// other imports or ingestion-triggered refreshes.
func (im *Importer) ImportFull(ctx context.Context) error {
	release, ok, err := im.store.AcquireMaintenanceLock(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrImportRunning
	}
	defer release()

	im.log.Info("full import starting")
	if err := im.store.ClearTagData(ctx); err != nil {
		return err
	}
	// The wipe also dropped the loaded-tag registrations; invalidate so no
	// query trusts a stale snapshot over the now-empty tables. They stay
	// unregistered until the rebuild completes.
	im.registry.Invalidate()
	if err := im.scan(ctx, docstore.ScanQuery{PageSize: im.pageSize}); err != nil {
		return err
	}
	if err := im.registerLoadedTags(ctx); err != nil {
		return err
	}
	im.log.Info("full import finished")
	return nil
}

// ImportSince streams and upserts only records modified at or after the
// watermark. A nil since falls back to the mirror's own maximum last-modified
// timestamp; an empty mirror means the scan covers the whole catalog, in
// which case every tag type is registered as loaded, as for a full import.
func (im *Importer) ImportSince(ctx context.Context, since *time.Time) error {
	coversCatalog := false
	if since == nil {
		watermark, err := im.store.LatestProductUpdatedAt(ctx)
		if err != nil {
			return err
		}
		since = watermark
		coversCatalog = watermark == nil
	}

	if since != nil {
		im.log.Info("incremental import starting", zap.Time("since", *since))
	} else {
		im.log.Info("incremental import starting with empty mirror, scanning full catalog")
	}

	release, err := im.store.AcquireScanLock(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := im.scan(ctx, docstore.ScanQuery{Since: since, PageSize: im.pageSize}); err != nil {
		return err
	}
	if coversCatalog {
		if err := im.registerLoadedTags(ctx); err != nil {
			return err
		}
	}
	im.log.Info("incremental import finished")
	return nil
}

// RefreshProducts re-syncs exactly the given codes regardless of modification
// time. Called by the event ingestor after each batch; registers nothing as
// loaded since the scan covers only a slice of the catalog.
func (im *Importer) RefreshProducts(ctx context.Context, codes []string) error {
	if len(codes) == 0 {
		return nil
	}
	im.log.Info("scoped refresh starting", zap.Int("codes", len(codes)))

	release, err := im.store.AcquireScanLock(ctx)
	if err != nil {
		return err
	}
	defer release()

	return im.scan(ctx, docstore.ScanQuery{Codes: codes, PageSize: im.pageSize})
}

// scan streams document batches and applies them one by one. Mirror writes
// happen strictly between document-store pages; no mirror transaction spans a
// network call to the other store.
func (im *Importer) scan(ctx context.Context, q docstore.ScanQuery) error {
	imported := 0
	err := im.docs.Scan(ctx, q, func(batch []docstore.Document) error {
		for _, doc := range batch {
			if err := im.applyDocument(ctx, doc); err != nil {
				return err
			}
			imported++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("importer: scan aborted after %d products: %w", imported, err)
	}
	im.log.Info("scan complete", zap.Int("products", imported))
	return nil
}

// applyDocument upserts one product: scalar fields last-write-wins, every
// tag-collection table and the country statistics rewritten wholesale.
func (im *Importer) applyDocument(ctx context.Context, doc docstore.Document) error {
	code := doc.Code()
	if code == "" {
		im.log.Warn("document without code skipped")
		return nil
	}

	product := &domain.Product{
		Code:     code,
		Obsolete: doc.Bool("obsolete"),
	}
	if rev, ok := doc.Int("rev"); ok {
		product.Revision = int(rev)
	}
	if creator, ok := doc.String("creator"); ok && creator != "" {
		product.Creator = &creator
	}
	if owners, ok := doc.String("owners_tags"); ok && owners != "" {
		product.OwnersTags = &owners
	}
	if productType, ok := doc.String("product_type"); ok && productType != "" {
		product.ProductType = &productType
	}
	if modified, ok := doc.Time("last_modified_t"); ok {
		product.LastUpdated = &modified
	}

	productID, err := im.store.UpsertMirroredProduct(ctx, product)
	if err != nil {
		return err
	}

	for _, d := range im.schema.TagTables() {
		if err := im.store.ReplaceProductTags(ctx, productID, d.Table, doc.Strings(d.Name)); err != nil {
			return err
		}
	}

	return im.applyCountries(ctx, productID, product.Obsolete, doc)
}

func (im *Importer) applyCountries(ctx context.Context, productID int64, obsolete bool, doc docstore.Document) error {
	countryTags := doc.Strings(tags.CountryTag)
	if len(countryTags) == 0 {
		countryTags = []string{tags.WorldCountryTag}
	} else {
		countryTags = append(countryTags, tags.WorldCountryTag)
	}

	recentScans, _ := doc.Int("unique_scans_n")
	totalScans, _ := doc.Int("scans_n")
	popularity, _ := doc.Int("popularity_key")

	seen := map[int64]struct{}{}
	entries := make([]domain.ProductCountry, 0, len(countryTags))
	for _, tag := range countryTags {
		countryID, err := im.countryID(ctx, tag)
		if err != nil {
			return err
		}
		if _, dup := seen[countryID]; dup {
			continue
		}
		seen[countryID] = struct{}{}
		entries = append(entries, domain.ProductCountry{
			ProductID:     productID,
			CountryID:     countryID,
			Obsolete:      obsolete,
			RecentScans:   int(recentScans),
			TotalScans:    int(totalScans),
			PopularityKey: popularity,
		})
	}
	return im.store.ReplaceProductCountries(ctx, productID, entries)
}

func (im *Importer) countryID(ctx context.Context, tag string) (int64, error) {
	im.mu.Lock()
	id, ok := im.countryIDs[tag]
	im.mu.Unlock()
	if ok {
		return id, nil
	}

	id, err := im.store.GetOrCreateCountry(ctx, tag)
	if err != nil {
		return 0, err
	}
	im.mu.Lock()
	im.countryIDs[tag] = id
	im.mu.Unlock()
	return id, nil
}

// registerLoadedTags marks every schema tag table as loaded, then invalidates
// the registry so queries pick the new set up.
func (im *Importer) registerLoadedTags(ctx context.Context) error {
	loadedAt := im.now().UTC()
	for _, d := range im.schema.TagTables() {
		if err := im.store.UpsertLoadedTag(ctx, d.Name, loadedAt); err != nil {
			return err
		}
	}
	im.registry.Invalidate()
	return nil
}
