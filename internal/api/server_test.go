package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"record-sync-engine/internal/config"
	"record-sync-engine/internal/models"
)

type memStore struct {
	states      map[models.Triple]models.SyncState
	upserts     int
	deadLetters []models.DeadLetterRecord
}

func newMemStore() *memStore {
	return &memStore{states: map[models.Triple]models.SyncState{}}
}

func (s *memStore) UpsertPending(_ context.Context, t models.Triple, opID string) (models.SyncState, error) {
	s.upserts++
	st, ok := s.states[t]
	if !ok {
		st = models.SyncState{EntityID: t.EntityID, SourceSystem: t.Source, TargetSystem: t.Target, Version: 0}
	}
	st.SyncStatus = models.StatusPending
	st.OperationID = &opID
	st.Version++
	s.states[t] = st
	return st, nil
}

func (s *memStore) GetState(_ context.Context, t models.Triple) (models.SyncState, bool, error) {
	st, ok := s.states[t]
	return st, ok, nil
}

func (s *memStore) ListDeadLetters(context.Context, int) ([]models.DeadLetterRecord, error) {
	return s.deadLetters, nil
}

type memClaims struct {
	seen map[string]bool
}

func (c *memClaims) Claim(_ context.Context, opID string) (bool, error) {
	if opID == "" {
		return true, nil
	}
	if c.seen == nil {
		c.seen = map[string]bool{}
	}
	if c.seen[opID] {
		return false, nil
	}
	c.seen[opID] = true
	return true, nil
}

type memQueue struct {
	jobs []models.SyncJob
}

func (q *memQueue) Enqueue(_ context.Context, job models.SyncJob) error {
	q.jobs = append(q.jobs, job)
	return nil
}

type memLimiter struct {
	remaining int
}

func (l *memLimiter) Allow(context.Context, string) (bool, float64, error) {
	if l.remaining <= 0 {
		return false, 0, nil
	}
	l.remaining--
	return true, float64(l.remaining), nil
}

func testServer(secret string) (*Server, *memStore, *memQueue, *memClaims) {
	cfg := config.Load()
	cfg.SystemA.WebhookSecret = secret
	cfg.SystemB.WebhookSecret = secret
	st := newMemStore()
	q := &memQueue{}
	claims := &memClaims{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, st, q, claims, &memLimiter{remaining: 1000}, logger), st, q, claims
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func post(t *testing.T, router http.Handler, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestWebhookHappyPath(t *testing.T) {
	const secret = "s3cret"
	srv, st, q, _ := testServer(secret)
	router := srv.Router()

	body := []byte(`{"id":"rec-1","last_edited_time":"2024-01-01T00:00:00Z"}`)
	rec := post(t, router, "/webhook/a", body, map[string]string{
		"X-A-Signature": sign(secret, body),
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp["status"])

	require.Len(t, q.jobs, 1)
	job := q.jobs[0]
	assert.Equal(t, models.SystemA, job.SourceSystem)
	assert.Equal(t, models.SystemB, job.TargetSystem)
	assert.Equal(t, "rec-1", job.SourceRecordID)
	assert.Equal(t, "rec-1", job.EntityID)
	require.NotNil(t, job.UpdatedAt)

	state, ok := st.states[job.Triple()]
	require.True(t, ok)
	assert.Equal(t, models.StatusPending, state.SyncStatus)
}

func TestWebhookSignatureRejection(t *testing.T) {
	srv, st, q, _ := testServer("s3cret")
	router := srv.Router()

	body := []byte(`{"id":"rec-1"}`)

	// Wrong signature.
	rec := post(t, router, "/webhook/a", body, map[string]string{
		"X-A-Signature": "deadbeef",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Missing signature.
	rec = post(t, router, "/webhook/a", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Empty(t, q.jobs, "rejected deliveries must not enqueue")
	assert.Zero(t, st.upserts, "rejected deliveries must not touch state")
}

func TestWebhookNoSecretSkipsVerification(t *testing.T) {
	srv, _, q, _ := testServer("")
	router := srv.Router()

	rec := post(t, router, "/webhook/b", []byte(`{"issue":{"id":"ISS-9"}}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, q.jobs, 1)
	assert.Equal(t, models.SystemB, q.jobs[0].SourceSystem)
	assert.Equal(t, "ISS-9", q.jobs[0].SourceRecordID)
}

func TestWebhookIdempotentEnqueue(t *testing.T) {
	srv, _, q, _ := testServer("")
	router := srv.Router()

	body := []byte(`{"id":"rec-1"}`)
	headers := map[string]string{"X-Operation-Id": "op-dup"}

	rec := post(t, router, "/webhook/a", body, headers)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, router, "/webhook/a", body, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["skipped"])

	assert.Len(t, q.jobs, 1, "same operation id must enqueue exactly once")
}

func TestWebhookMissingEntityID(t *testing.T) {
	srv, _, q, _ := testServer("")
	router := srv.Router()

	rec := post(t, router, "/webhook/a", []byte(`{"event":"updated"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, router, "/webhook/a", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, q.jobs)
}

func TestWebhookUnknownSystem(t *testing.T) {
	srv, _, _, _ := testServer("")
	rec := post(t, srv.Router(), "/webhook/c", []byte(`{"id":"x"}`), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookBoundaryRateLimit(t *testing.T) {
	cfg := config.Load()
	st := newMemStore()
	q := &memQueue{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, st, q, &memClaims{}, &memLimiter{remaining: 2}, logger)
	router := srv.Router()

	body := []byte(`{"id":"rec-1"}`)
	for i := 0; i < 2; i++ {
		rec := post(t, router, "/webhook/a", body, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := post(t, router, "/webhook/a", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Len(t, q.jobs, 2)
}

func TestTriggerEndpoint(t *testing.T) {
	srv, _, q, _ := testServer("whatever")
	router := srv.Router()

	// No signature required on the trusted path.
	body := []byte(`{"direction":"b-to-a","entityId":"ISS-7","sourceRecordId":"ISS-7","targetRecordId":"rec-7"}`)
	rec := post(t, router, "/trigger", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, q.jobs, 1)
	job := q.jobs[0]
	assert.Equal(t, models.SystemB, job.SourceSystem)
	assert.Equal(t, models.SystemA, job.TargetSystem)
	assert.Equal(t, "rec-7", job.TargetRecordID)

	rec = post(t, router, "/trigger", []byte(`{"direction":"sideways","entityId":"x","sourceRecordId":"x"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStateEndpoint(t *testing.T) {
	srv, st, _, _ := testServer("")
	router := srv.Router()

	triple := models.Triple{EntityID: "rec-1", Source: models.SystemA, Target: models.SystemB}
	st.states[triple] = models.SyncState{EntityID: "rec-1", SourceSystem: models.SystemA, TargetSystem: models.SystemB, SyncStatus: models.StatusSynced}

	req := httptest.NewRequest(http.MethodGet, "/state/rec-1?source=a&target=b", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.SyncState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.StatusSynced, got.SyncStatus)

	req = httptest.NewRequest(http.MethodGet, "/state/rec-404", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSignatureVerify(t *testing.T) {
	body := []byte(`{"id":"x"}`)
	sig := sign("secret", body)

	assert.True(t, verifySignature("secret", body, sig))
	assert.False(t, verifySignature("secret", body, sig[:len(sig)-2]+"ff"))
	assert.False(t, verifySignature("secret", body, ""))
	assert.True(t, verifySignature("", body, ""), "no secret disables verification")
}
