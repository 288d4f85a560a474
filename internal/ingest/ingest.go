package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"product-query-service/internal/domain"
	"product-query-service/internal/store"
)

// Event is one inbound change notification: an opaque transport id plus the
// message payload.
type Event struct {
	ID      string                 `json:"id"`
	Message map[string]interface{} `json:"message"`
}

// Refresher triggers a scoped re-import for an explicit set of product codes.
type Refresher interface {
	RefreshProducts(ctx context.Context, codes []string) error
}

// Ingestor absorbs ordered batches of change events, deduplicates them by
// (product, revision) and maintains the update aggregation rows.
type Ingestor struct {
	store     store.EventStorer
	refresher Refresher
	log       *zap.Logger
	now       func() time.Time
}

func NewIngestor(st store.EventStorer, refresher Refresher, log *zap.Logger) *Ingestor {
	return &Ingestor{store: st, refresher: refresher, log: log, now: time.Now}
}

// Ingest processes one batch in logical-time order. Each event is applied
// atomically; a failure aborts the batch, which is safe to redeliver because
// every write here is idempotent. With suppressSync unset, codes of
// food-typed products are re-synced from the document store afterwards.
func (ing *Ingestor) Ingest(ctx context.Context, events []Event, suppressSync bool) error {
	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ing.eventTime(ordered[i]).Before(ing.eventTime(ordered[j]))
	})

	pending := map[string]struct{}{}
	for _, event := range ordered {
		if err := ing.processEvent(ctx, event, suppressSync, pending); err != nil {
			return err
		}
	}

	if len(pending) == 0 {
		return nil
	}
	codes := make([]string, 0, len(pending))
	for code := range pending {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	if err := ing.refresher.RefreshProducts(ctx, codes); err != nil {
		return fmt.Errorf("ingest: scoped refresh after batch failed: %w", err)
	}
	return nil
}

func (ing *Ingestor) processEvent(ctx context.Context, event Event, suppressSync bool, pending map[string]struct{}) error {
	receivedAt := ing.eventTime(event)
	message := sanitizeValue(event.Message).(map[string]interface{})

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("ingest: event %q payload marshal failed: %w", event.ID, err)
	}
	if err := ing.store.RecordUpdateEvent(ctx, event.ID, payload, receivedAt); err != nil {
		return err
	}

	code, _ := message["code"].(string)
	if code == "" {
		ing.log.Warn("event without product code, audit only", zap.String("event_id", event.ID))
		return nil
	}

	var contributorID *int64
	if userID, _ := message["user_id"].(string); userID != "" {
		contributor, err := ing.store.GetOrCreateContributor(ctx, userID)
		if err != nil {
			return err
		}
		contributorID = &contributor.ID
	}

	revision := messageRevision(message)
	product, err := ing.store.UpsertProductForEvent(ctx, code, revision)
	if err != nil {
		return err
	}

	action, _ := message["action"].(string)
	if action == "" {
		action = "updated"
	}
	// The dedup key is the message's own revision. The product row only ever
	// advances, so a late delivery of an older revision must not collapse
	// onto the newer one already counted.
	updateRevision := product.Revision
	if revision != nil {
		updateRevision = *revision
	}
	update := &domain.ProductUpdate{
		ProductID:     product.ID,
		Revision:      updateRevision,
		UpdateType:    action,
		ContributorID: contributorID,
		UpdatedAt:     receivedAt,
	}
	inserted, err := ing.store.InsertProductUpdate(ctx, update)
	if err != nil {
		return err
	}
	if !inserted {
		ing.log.Debug("duplicate revision, update skipped",
			zap.String("code", code), zap.Int("revision", updateRevision))
	}

	if !suppressSync && productType(message, product) == domain.ProductTypeFood {
		pending[code] = struct{}{}
	}
	return nil
}

// eventTime derives an event's logical time: the epoch-millisecond prefix of
// the transport id when present, else the message's second-granularity
// timestamp, else now. Malformed ids never block processing.
func (ing *Ingestor) eventTime(event Event) time.Time {
	if prefix, _, found := strings.Cut(event.ID, "-"); found {
		if ms, err := strconv.ParseInt(prefix, 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC()
		}
	}
	if event.Message != nil {
		switch v := event.Message["timestamp"].(type) {
		case float64:
			if v > 0 {
				return time.Unix(int64(v), 0).UTC()
			}
		case int64:
			if v > 0 {
				return time.Unix(v, 0).UTC()
			}
		}
	}
	return ing.now().UTC()
}

func messageRevision(message map[string]interface{}) *int {
	switch v := message["rev"].(type) {
	case float64:
		rev := int(v)
		return &rev
	case int:
		return &v
	}
	return nil
}

func productType(message map[string]interface{}, product *domain.Product) string {
	if t, _ := message["product_type"].(string); t != "" {
		return t
	}
	if product.ProductType != nil {
		return *product.ProductType
	}
	return ""
}

// sanitizeValue strips null and other control characters from every string in
// the payload, recursively. Postgres JSONB rejects the null byte, and
// fields in the wild do contain it.
func sanitizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return stripControl(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for key, val := range t {
			out[stripControl(key)] = sanitizeValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = sanitizeValue(val)
		}
		return out
	}
	return v
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		if r == 0x7f {
			return -1
		}
		return r
	}, s)
}
