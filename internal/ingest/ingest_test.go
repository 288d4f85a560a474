package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"product-query-service/internal/domain"
)

func PtrTo[T any](v T) *T {
	return &v
}

type recordedEvent struct {
	eventID    string
	payload    []byte
	receivedAt time.Time
}

type upsertCall struct {
	code     string
	revision *int
}

// fakeEventStore records every call and plays back canned products. Dedup is
// simulated the way the real store does it: one insert per (product, revision).
type fakeEventStore struct {
	events       []recordedEvent
	contributors map[string]int64
	upserts      []upsertCall
	updates      []domain.ProductUpdate
	seen         map[[2]int64]struct{}

	productRevision    int
	productType        *string
	upsertErr          error
	recordFailures     int
	nextContributorID  int64
	contributorsLookup []string
	productIDs         map[string]int64
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{
		contributors:      map[string]int64{},
		seen:              map[[2]int64]struct{}{},
		nextContributorID: 1,
		productIDs:        map[string]int64{},
	}
}

func (f *fakeEventStore) RecordUpdateEvent(ctx context.Context, eventID string, payload []byte, receivedAt time.Time) error {
	if f.recordFailures > 0 {
		f.recordFailures--
		return errors.New("connection reset")
	}
	f.events = append(f.events, recordedEvent{eventID: eventID, payload: payload, receivedAt: receivedAt})
	return nil
}

func (f *fakeEventStore) GetOrCreateContributor(ctx context.Context, userID string) (*domain.Contributor, error) {
	f.contributorsLookup = append(f.contributorsLookup, userID)
	id, ok := f.contributors[userID]
	if !ok {
		id = f.nextContributorID
		f.nextContributorID++
		f.contributors[userID] = id
	}
	return &domain.Contributor{ID: id, UserID: userID}, nil
}

func (f *fakeEventStore) UpsertProductForEvent(ctx context.Context, code string, revision *int) (*domain.Product, error) {
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	f.upserts = append(f.upserts, upsertCall{code: code, revision: revision})

	id, ok := f.productIDs[code]
	if !ok {
		id = int64(len(f.productIDs) + 1)
		f.productIDs[code] = id
	}
	rev := f.productRevision
	if revision != nil && *revision > rev {
		rev = *revision
	}
	f.productRevision = rev
	return &domain.Product{
		ID:          id,
		Code:        code,
		Revision:    rev,
		ProductType: f.productType,
	}, nil
}

func (f *fakeEventStore) InsertProductUpdate(ctx context.Context, update *domain.ProductUpdate) (bool, error) {
	key := [2]int64{update.ProductID, int64(update.Revision)}
	if _, dup := f.seen[key]; dup {
		return false, nil
	}
	f.seen[key] = struct{}{}
	f.updates = append(f.updates, *update)
	return true, nil
}

type fakeRefresher struct {
	calls [][]string
	err   error
}

func (f *fakeRefresher) RefreshProducts(ctx context.Context, codes []string) error {
	f.calls = append(f.calls, codes)
	return f.err
}

func newTestIngestor(st *fakeEventStore, refresher *fakeRefresher) *Ingestor {
	ing := NewIngestor(st, refresher, zap.NewNop())
	ing.now = func() time.Time {
		return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	}
	return ing
}

func foodEvent(id, code string, rev float64) Event {
	return Event{ID: id, Message: map[string]interface{}{
		"code":         code,
		"rev":          rev,
		"product_type": "food",
	}}
}

func TestIngestor_DuplicateRevisionCountedOnce(t *testing.T) {
	st := newFakeEventStore()
	refresher := &fakeRefresher{}
	ing := newTestIngestor(st, refresher)

	events := []Event{
		foodEvent("1709294400000-0", "111", 17),
		foodEvent("1709294400001-0", "111", 17),
	}
	require.NoError(t, ing.Ingest(context.Background(), events, false))

	// Both deliveries are audited, but only one aggregation row lands.
	assert.Len(t, st.events, 2)
	assert.Len(t, st.updates, 1)
	assert.Equal(t, 17, st.updates[0].Revision)
}

func TestIngestor_OutOfOrderRevisionsEachCounted(t *testing.T) {
	st := newFakeEventStore()
	refresher := &fakeRefresher{}
	ing := newTestIngestor(st, refresher)

	// Revision 2 lands first; the product row advances to 2 and stays there.
	require.NoError(t, ing.Ingest(context.Background(), []Event{
		foodEvent("1709294400000-0", "111", 2),
	}, false))
	// The late delivery of revision 1 is still a distinct edit and must get
	// its own aggregation row, keyed on its own revision.
	require.NoError(t, ing.Ingest(context.Background(), []Event{
		foodEvent("1709294400001-0", "111", 1),
	}, false))

	require.Len(t, st.updates, 2)
	assert.Equal(t, 2, st.updates[0].Revision)
	assert.Equal(t, 1, st.updates[1].Revision)

	// A true duplicate of the late revision still deduplicates.
	require.NoError(t, ing.Ingest(context.Background(), []Event{
		foodEvent("1709294400002-0", "111", 1),
	}, false))
	assert.Len(t, st.updates, 2)
}

func TestIngestor_BatchProcessedInLogicalTimeOrder(t *testing.T) {
	st := newFakeEventStore()
	refresher := &fakeRefresher{}
	ing := newTestIngestor(st, refresher)

	events := []Event{
		foodEvent("1709294500000-0", "later", 2),
		foodEvent("1709294400000-0", "earlier", 1),
	}
	require.NoError(t, ing.Ingest(context.Background(), events, false))

	require.Len(t, st.events, 2)
	assert.Equal(t, "1709294400000-0", st.events[0].eventID)
	assert.Equal(t, "1709294500000-0", st.events[1].eventID)
}

func TestIngestor_RevisionFallsBackToStoredValue(t *testing.T) {
	st := newFakeEventStore()
	st.productRevision = 123
	refresher := &fakeRefresher{}
	ing := newTestIngestor(st, refresher)

	events := []Event{{
		ID: "1709294400000-0",
		Message: map[string]interface{}{
			"code":         "111",
			"product_type": "food",
		},
	}}
	require.NoError(t, ing.Ingest(context.Background(), events, false))

	require.Len(t, st.upserts, 1)
	assert.Nil(t, st.upserts[0].revision, "event without rev passes nil through")
	require.Len(t, st.updates, 1)
	assert.Equal(t, 123, st.updates[0].Revision, "aggregation row uses the stored revision")
}

func TestIngestor_EventWithoutCodeIsAuditOnly(t *testing.T) {
	st := newFakeEventStore()
	refresher := &fakeRefresher{}
	ing := newTestIngestor(st, refresher)

	events := []Event{{ID: "1709294400000-0", Message: map[string]interface{}{
		"action": "deleted",
	}}}
	require.NoError(t, ing.Ingest(context.Background(), events, false))

	assert.Len(t, st.events, 1)
	assert.Empty(t, st.upserts)
	assert.Empty(t, st.updates)
	assert.Empty(t, refresher.calls)
}

func TestIngestor_ContributorAttribution(t *testing.T) {
	st := newFakeEventStore()
	refresher := &fakeRefresher{}
	ing := newTestIngestor(st, refresher)

	events := []Event{{
		ID: "1709294400000-0",
		Message: map[string]interface{}{
			"code":    "111",
			"rev":     float64(1),
			"user_id": "alice",
		},
	}}
	require.NoError(t, ing.Ingest(context.Background(), events, false))

	assert.Equal(t, []string{"alice"}, st.contributorsLookup)
	require.Len(t, st.updates, 1)
	require.NotNil(t, st.updates[0].ContributorID)
	assert.Equal(t, int64(1), *st.updates[0].ContributorID)
}

func TestIngestor_DefaultActionIsUpdated(t *testing.T) {
	st := newFakeEventStore()
	ing := newTestIngestor(st, &fakeRefresher{})

	events := []Event{{
		ID:      "1709294400000-0",
		Message: map[string]interface{}{"code": "111", "rev": float64(1)},
	}}
	require.NoError(t, ing.Ingest(context.Background(), events, false))

	require.Len(t, st.updates, 1)
	assert.Equal(t, "updated", st.updates[0].UpdateType)
}

func TestIngestor_FoodProductsTriggerScopedRefresh(t *testing.T) {
	st := newFakeEventStore()
	refresher := &fakeRefresher{}
	ing := newTestIngestor(st, refresher)

	events := []Event{
		foodEvent("1709294400000-0", "bbb", 1),
		foodEvent("1709294400001-0", "aaa", 1),
		foodEvent("1709294400002-0", "bbb", 2),
		{ID: "1709294400003-0", Message: map[string]interface{}{
			"code": "pet-food", "rev": float64(1), "product_type": "petfood",
		}},
	}
	require.NoError(t, ing.Ingest(context.Background(), events, false))

	// One refresh per batch, codes deduplicated and sorted, non-food
	// products excluded.
	require.Len(t, refresher.calls, 1)
	assert.Equal(t, []string{"aaa", "bbb"}, refresher.calls[0])
}

func TestIngestor_SuppressSyncSkipsRefresh(t *testing.T) {
	st := newFakeEventStore()
	refresher := &fakeRefresher{}
	ing := newTestIngestor(st, refresher)

	events := []Event{foodEvent("1709294400000-0", "111", 1)}
	require.NoError(t, ing.Ingest(context.Background(), events, true))

	assert.Len(t, st.updates, 1)
	assert.Empty(t, refresher.calls)
}

func TestIngestor_ProductTypeFallsBackToStoredProduct(t *testing.T) {
	st := newFakeEventStore()
	st.productType = PtrTo("food")
	refresher := &fakeRefresher{}
	ing := newTestIngestor(st, refresher)

	events := []Event{{
		ID:      "1709294400000-0",
		Message: map[string]interface{}{"code": "111", "rev": float64(1)},
	}}
	require.NoError(t, ing.Ingest(context.Background(), events, false))

	require.Len(t, refresher.calls, 1)
	assert.Equal(t, []string{"111"}, refresher.calls[0])
}

func TestIngestor_UpsertFailureAbortsBatch(t *testing.T) {
	st := newFakeEventStore()
	st.upsertErr = errors.New("connection reset")
	refresher := &fakeRefresher{}
	ing := newTestIngestor(st, refresher)

	events := []Event{foodEvent("1709294400000-0", "111", 1)}
	err := ing.Ingest(context.Background(), events, false)
	require.Error(t, err)
	assert.Empty(t, refresher.calls)
}

func TestIngestor_PayloadSanitized(t *testing.T) {
	st := newFakeEventStore()
	ing := newTestIngestor(st, &fakeRefresher{})

	events := []Event{{
		ID: "1709294400000-0",
		Message: map[string]interface{}{
			"code":         "111",
			"rev":          float64(1),
			"comment":      "bad\x00byte\x01kept\tok",
			"ingredients":  []interface{}{"water\x00", "malt"},
			"product_name": "Beer\x7f",
		},
	}}
	require.NoError(t, ing.Ingest(context.Background(), events, false))

	require.Len(t, st.events, 1)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(st.events[0].payload, &payload))
	assert.Equal(t, "badbytekept\tok", payload["comment"])
	assert.Equal(t, "Beer", payload["product_name"])
	assert.Equal(t, []interface{}{"water", "malt"}, payload["ingredients"])
}

func TestIngestor_EventTimeFromIDPrefix(t *testing.T) {
	ing := newTestIngestor(newFakeEventStore(), &fakeRefresher{})

	got := ing.eventTime(Event{ID: "1709294400000-0"})
	assert.Equal(t, time.UnixMilli(1709294400000).UTC(), got)
}

func TestIngestor_EventTimeFallsBackToMessageTimestamp(t *testing.T) {
	ing := newTestIngestor(newFakeEventStore(), &fakeRefresher{})

	got := ing.eventTime(Event{
		ID:      "not-a-stream-id",
		Message: map[string]interface{}{"timestamp": float64(1709294400)},
	})
	assert.Equal(t, time.Unix(1709294400, 0).UTC(), got)
}

func TestIngestor_EventTimeFallsBackToNow(t *testing.T) {
	ing := newTestIngestor(newFakeEventStore(), &fakeRefresher{})

	got := ing.eventTime(Event{ID: "garbage"})
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), got)
}

func TestEntryMessage_JSONEnvelope(t *testing.T) {
	message := entryMessage(map[string]interface{}{
		"message": `{"code":"111","rev":17}`,
	})
	assert.Equal(t, "111", message["code"])
	assert.Equal(t, float64(17), message["rev"])
}

func TestEntryMessage_FlatFields(t *testing.T) {
	message := entryMessage(map[string]interface{}{
		"code":      "111",
		"rev":       "17",
		"timestamp": "1709294400",
		"user_id":   "alice",
	})
	assert.Equal(t, "111", message["code"])
	assert.Equal(t, float64(17), message["rev"])
	assert.Equal(t, float64(1709294400), message["timestamp"])
	assert.Equal(t, "alice", message["user_id"])
}
