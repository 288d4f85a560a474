package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"product-query-service/internal/docstore"
	"product-query-service/internal/domain"
	"product-query-service/internal/importer"
	"product-query-service/internal/query"
)

type fakeEngine struct {
	count     int
	countErr  error
	products  []domain.Product
	selectErr error
	aggregate interface{}
	aggErr    error
	docs      []docstore.Document
	findErr   error
	findReq   query.FindRequest
}

func (f *fakeEngine) Count(ctx context.Context, filter map[string]interface{}, includeObsolete bool) (int, error) {
	return f.count, f.countErr
}

func (f *fakeEngine) Select(ctx context.Context, filter map[string]interface{}, includeObsolete bool) ([]domain.Product, error) {
	return f.products, f.selectErr
}

func (f *fakeEngine) Aggregate(ctx context.Context, pipeline []map[string]interface{}, includeObsolete bool) (interface{}, error) {
	return f.aggregate, f.aggErr
}

func (f *fakeEngine) Find(ctx context.Context, req query.FindRequest) ([]docstore.Document, error) {
	f.findReq = req
	return f.docs, f.findErr
}

type fakeSync struct {
	fullErr  error
	sinceErr error
	gotSince *time.Time
	sinceRan bool
}

func (f *fakeSync) ImportFull(ctx context.Context) error {
	return f.fullErr
}

func (f *fakeSync) ImportSince(ctx context.Context, since *time.Time) error {
	f.sinceRan = true
	f.gotSince = since
	return f.sinceErr
}

type fakeReports struct {
	counts []domain.OwnerUpdateCount
	err    error
}

func (f *fakeReports) UpdatesByOwner(ctx context.Context, owner string) ([]domain.OwnerUpdateCount, error) {
	return f.counts, f.err
}

func newTestRouter(engine *fakeEngine, sync *fakeSync, reports *fakeReports) *chi.Mux {
	handler := NewHTTPHandler(engine, sync, reports, zap.NewNop())
	router := chi.NewRouter()
	handler.RegisterRoutes(router)
	return router
}

func doJSON(t *testing.T, router http.Handler, method, target string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHandleCount_OK(t *testing.T) {
	engine := &fakeEngine{count: 42}
	router := newTestRouter(engine, &fakeSync{}, &fakeReports{})

	rr := doJSON(t, router, http.MethodPost, "/api/v1/query/count", map[string]interface{}{
		"categories_tags": "en:beers",
	})

	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]int
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 42, resp["count"])
}

func TestHandleCount_CompileErrorIsBadRequest(t *testing.T) {
	engine := &fakeEngine{countErr: query.ErrUnsupportedFilter}
	router := newTestRouter(engine, &fakeSync{}, &fakeReports{})

	rr := doJSON(t, router, http.MethodPost, "/api/v1/query/count", map[string]interface{}{
		"$or": []interface{}{},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleCount_StoreErrorIsInternal(t *testing.T) {
	engine := &fakeEngine{countErr: errors.New("connection reset")}
	router := newTestRouter(engine, &fakeSync{}, &fakeReports{})

	rr := doJSON(t, router, http.MethodPost, "/api/v1/query/count", map[string]interface{}{})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestHandleCount_MalformedBody(t *testing.T) {
	router := newTestRouter(&fakeEngine{}, &fakeSync{}, &fakeReports{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query/count", bytes.NewBufferString("{not json"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleAggregate_OK(t *testing.T) {
	engine := &fakeEngine{aggregate: []query.AggregateRow{{ID: "en:beers", Count: 7}}}
	router := newTestRouter(engine, &fakeSync{}, &fakeReports{})

	rr := doJSON(t, router, http.MethodPost, "/api/v1/query/aggregate", []map[string]interface{}{
		{"$group": map[string]interface{}{"_id": "$categories_tags"}},
	})

	require.Equal(t, http.StatusOK, rr.Code)
	var rows []query.AggregateRow
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "en:beers", rows[0].ID)
}

func TestHandleFind_ValidationRejectsOversizedLimit(t *testing.T) {
	router := newTestRouter(&fakeEngine{}, &fakeSync{}, &fakeReports{})

	rr := doJSON(t, router, http.MethodPost, "/api/v1/query/find", query.FindRequest{Limit: 5000})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleFind_OK(t *testing.T) {
	engine := &fakeEngine{docs: []docstore.Document{{"code": "111"}}}
	router := newTestRouter(engine, &fakeSync{}, &fakeReports{})

	rr := doJSON(t, router, http.MethodPost, "/api/v1/query/find", query.FindRequest{Limit: 10})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 10, engine.findReq.Limit)
}

func TestHandleUpdatesByOwner_RequiresOwner(t *testing.T) {
	router := newTestRouter(&fakeEngine{}, &fakeSync{}, &fakeReports{})

	rr := doJSON(t, router, http.MethodGet, "/api/v1/reports/updates-by-owner", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleUpdatesByOwner_OK(t *testing.T) {
	reports := &fakeReports{counts: []domain.OwnerUpdateCount{
		{OwnerTag: "org-acme", UpdateType: "updated", UpdateCount: 10, ProductCount: 4},
	}}
	router := newTestRouter(&fakeEngine{}, &fakeSync{}, reports)

	rr := doJSON(t, router, http.MethodGet, "/api/v1/reports/updates-by-owner?owner=org-acme", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var counts []domain.OwnerUpdateCount
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &counts))
	require.Len(t, counts, 1)
	assert.Equal(t, "org-acme", counts[0].OwnerTag)
}

func TestHandleSyncFull_ConflictWhileRunning(t *testing.T) {
	sync := &fakeSync{fullErr: importer.ErrImportRunning}
	router := newTestRouter(&fakeEngine{}, sync, &fakeReports{})

	rr := doJSON(t, router, http.MethodPost, "/api/v1/sync/full", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestHandleSyncFull_OK(t *testing.T) {
	router := newTestRouter(&fakeEngine{}, &fakeSync{}, &fakeReports{})

	rr := doJSON(t, router, http.MethodPost, "/api/v1/sync/full", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleSyncIncremental_DefaultsToWatermark(t *testing.T) {
	sync := &fakeSync{}
	router := newTestRouter(&fakeEngine{}, sync, &fakeReports{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/incremental", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, sync.sinceRan)
	assert.Nil(t, sync.gotSince)
}

func TestHandleSyncIncremental_ExplicitSince(t *testing.T) {
	sync := &fakeSync{}
	router := newTestRouter(&fakeEngine{}, sync, &fakeReports{})

	rr := doJSON(t, router, http.MethodPost, "/api/v1/sync/incremental", SyncIncrementalInput{
		Since: PtrTo(int64(1709294400)),
	})

	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, sync.gotSince)
	assert.Equal(t, time.Unix(1709294400, 0).UTC(), *sync.gotSince)
}

func PtrTo[T any](v T) *T {
	return &v
}
