package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"giftflow/internal/config"
	"giftflow/internal/crm"
	"giftflow/internal/db"
	"giftflow/internal/intake"
	"giftflow/internal/journal"
	"giftflow/internal/ledger"
	"giftflow/internal/migrate"
	"giftflow/internal/promotion"
	"giftflow/internal/receipt"
	"giftflow/internal/staging"
)

// fakeRemote emulates the upstream staging collection and gift ledger.
type fakeRemote struct {
	mu          sync.Mutex
	records     map[string]map[string]any
	gifts       []map[string]any
	nextStaging int
	nextGift    int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{records: map[string]map[string]any{}}
}

func (f *fakeRemote) put(id string, rec map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec["id"] = id
	f.records[id] = rec
}

func (f *fakeRemote) get(id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil
	}
	copied := map[string]any{}
	for k, v := range rec {
		copied[k] = v
	}
	return copied
}

func (f *fakeRemote) giftCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.gifts)
}

func (f *fakeRemote) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		var body map[string]any
		if r.Body != nil {
			data, _ := io.ReadAll(r.Body)
			if len(data) > 0 {
				json.Unmarshal(data, &body)
			}
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/giftStagings":
			f.nextStaging++
			id := fmt.Sprintf("gs-%d", f.nextStaging)
			rec := map[string]any{"id": id, "updatedAt": time.Now().UTC().Format(time.RFC3339)}
			for k, v := range body {
				rec[k] = v
			}
			f.records[id] = rec
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"createGiftStaging": rec}})
		case r.Method == http.MethodGet && r.URL.Path == "/giftStagings":
			wantStatus := r.URL.Query().Get("promotionStatus")
			items := []any{}
			for _, rec := range f.records {
				if wantStatus != "" && rec["promotionStatus"] != wantStatus {
					continue
				}
				items = append(items, rec)
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
				"giftStagings": items,
				"pageInfo":     map[string]any{"hasNextPage": false, "endCursor": ""},
			}})
		case strings.HasPrefix(r.URL.Path, "/giftStagings/"):
			id := strings.TrimPrefix(r.URL.Path, "/giftStagings/")
			rec, ok := f.records[id]
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
				return
			}
			if r.Method == http.MethodPatch {
				for k, v := range body {
					rec[k] = v
				}
				rec["updatedAt"] = time.Now().UTC().Format(time.RFC3339)
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"giftStaging": rec}})
		case r.Method == http.MethodPost && r.URL.Path == "/gifts":
			f.nextGift++
			f.gifts = append(f.gifts, body)
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
				"createGift": map[string]any{"id": fmt.Sprintf("gift-%d", f.nextGift)},
			}})
		case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/recurringAgreements/"):
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{}})
		default:
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "no such route"})
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

type testEnv struct {
	srv    *httptest.Server
	remote *fakeRemote
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	remote := newFakeRemote()
	upstream := httptest.NewServer(remote.handler())
	t.Cleanup(upstream.Close)

	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	client := crm.New(config.CRM{BaseURL: upstream.URL, APIKey: "test", TimeoutSeconds: 5}, nil)
	store := staging.NewStore(client)
	writer := journal.NewWriter(conn, nil)

	promoter := promotion.New(store, ledger.NewGifts(client), ledger.NewAgreements(client),
		receipt.New(config.Receipts{RecurringPolicy: "per_installment", OneOffPolicy: "per_gift"}, nil),
		config.Promotion{Eligibility: config.EligibilityPermissive}, nil)
	promoter.Journal = writer

	svc := intake.New(store, promoter, config.Staging{Enabled: true, AutoPromote: false}, nil)
	svc.Journal = writer

	handler, err := New(Config{App: App{
		Intake:   svc,
		Promoter: promoter,
		Stagings: store,
		Journal:  journal.NewReader(conn),
		Events:   writer,
	}, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, remote: remote}
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestManualIntakeThenPromote(t *testing.T) {
	env := newTestServer(t)

	res, data := doJSON(t, http.MethodPost, env.srv.URL+"/v0/gift-stagings", map[string]any{
		"donorId":      "donor-1",
		"amountMinor":  2500,
		"currencyCode": "EUR",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var outcome IntakeOutcomeResponse
	require.NoError(t, json.Unmarshal(data, &outcome))
	require.NotEmpty(t, outcome.StagingID)
	assert.Nil(t, outcome.Promotion)

	rec := env.remote.get(outcome.StagingID)
	require.NotNil(t, rec)
	assert.Equal(t, "pending", rec["promotionStatus"])

	// Reviewer marks the record ready, then promotes it.
	res, data = doJSON(t, http.MethodPatch, env.srv.URL+"/v0/gift-stagings/"+outcome.StagingID, map[string]any{
		"promotionStatus": "ready_for_commit",
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodPost, env.srv.URL+"/v0/gift-stagings/"+outcome.StagingID+"/promote", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var promo map[string]any
	require.NoError(t, json.Unmarshal(data, &promo))
	assert.Equal(t, "committed", promo["status"])
	giftID, _ := promo["giftId"].(string)
	assert.NotEmpty(t, giftID)
	assert.Equal(t, 1, env.remote.giftCount())

	// Promoting again never creates a second gift.
	res, data = doJSON(t, http.MethodPost, env.srv.URL+"/v0/gift-stagings/"+outcome.StagingID+"/promote", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &promo))
	assert.Equal(t, "committed", promo["status"])
	assert.Equal(t, giftID, promo["giftId"])
	assert.Equal(t, 1, env.remote.giftCount())
}

func TestPatchMergesPayloadEdits(t *testing.T) {
	env := newTestServer(t)

	_, data := doJSON(t, http.MethodPost, env.srv.URL+"/v0/gift-stagings", map[string]any{
		"donorId":      "donor-1",
		"amountMinor":  2500,
		"currencyCode": "EUR",
	})
	var outcome IntakeOutcomeResponse
	require.NoError(t, json.Unmarshal(data, &outcome))

	res, data := doJSON(t, http.MethodPatch, env.srv.URL+"/v0/gift-stagings/"+outcome.StagingID, map[string]any{
		"payload": map[string]any{
			"fundId":      "fund-9",
			"amountMajor": 50,
		},
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var updated StagingResponse
	require.NoError(t, json.Unmarshal(data, &updated))
	assert.Equal(t, int64(5000), updated.AmountMinor)
	assert.Contains(t, updated.RawPayload, `"fundId":"fund-9"`)
}

func TestPatchCommittedRecordConflicts(t *testing.T) {
	env := newTestServer(t)
	env.remote.put("gs-locked", map[string]any{
		"promotionStatus": "committed",
		"giftId":          "gift-42",
	})

	res, data := doJSON(t, http.MethodPatch, env.srv.URL+"/v0/gift-stagings/gs-locked", map[string]any{
		"payload": map[string]any{"fundId": "fund-1"},
	})
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, "already_committed", envelope.Error.Code)
	assert.Equal(t, "gift-42", envelope.Error.Details["giftId"])
}

func TestWebhookIntakeKeepsProviderSource(t *testing.T) {
	env := newTestServer(t)

	res, data := doJSON(t, http.MethodPost, env.srv.URL+"/v0/intake/webhooks/stripe", map[string]any{
		"id":          "pay_123",
		"amountMinor": 1200,
		"currency":    "USD",
		"donorId":     "donor-7",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var outcome IntakeOutcomeResponse
	require.NoError(t, json.Unmarshal(data, &outcome))

	rec := env.remote.get(outcome.StagingID)
	require.NotNil(t, rec)
	assert.Equal(t, "webhook:stripe", rec["intakeSource"])
	assert.Contains(t, rec["rawPayload"], "pay_123")
}

func TestReconciliationReportsStuckRecords(t *testing.T) {
	env := newTestServer(t)
	env.remote.put("gs-stuck", map[string]any{
		"promotionStatus": "committing",
		"updatedAt":       time.Now().UTC().Add(-3 * time.Hour).Format(time.RFC3339),
	})

	res, data := doJSON(t, http.MethodGet, env.srv.URL+"/v0/reconciliation/stuck?older_than_minutes=60", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedStagings
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "gs-stuck", page.Items[0].ID)
	// Reporting must not touch the record.
	assert.Equal(t, "committing", env.remote.get("gs-stuck")["promotionStatus"])
}

func TestPromoteUnknownRecordIsTypedError(t *testing.T) {
	env := newTestServer(t)

	res, data := doJSON(t, http.MethodPost, env.srv.URL+"/v0/gift-stagings/no-such/promote", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var promo map[string]any
	require.NoError(t, json.Unmarshal(data, &promo))
	assert.Equal(t, "error", promo["status"])
	assert.Equal(t, "fetch_failed", promo["error"])
}

func TestJournalTailRecordsIntake(t *testing.T) {
	env := newTestServer(t)

	_, data := doJSON(t, http.MethodPost, env.srv.URL+"/v0/gift-stagings", map[string]any{
		"donorId":      "donor-1",
		"amountMinor":  500,
		"currencyCode": "EUR",
	})
	var outcome IntakeOutcomeResponse
	require.NoError(t, json.Unmarshal(data, &outcome))

	res, data := doJSON(t, http.MethodGet, env.srv.URL+"/v0/journal?limit=20", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page journalPage
	require.NoError(t, json.Unmarshal(data, &page))
	types := make([]string, 0, len(page.Items))
	for _, evt := range page.Items {
		types = append(types, evt.Type)
	}
	assert.Contains(t, types, journal.TypeIntakeReceived)
	assert.Contains(t, types, journal.TypeStagingCreated)
}
