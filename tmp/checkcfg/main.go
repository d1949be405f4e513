package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"giftflow/internal/config"
	"giftflow/internal/crm"
	"giftflow/internal/db"
	"giftflow/internal/intake"
	"giftflow/internal/journal"
	"giftflow/internal/ledger"
	"giftflow/internal/migrate"
	"giftflow/internal/promotion"
	"giftflow/internal/receipt"
	"giftflow/internal/server"
	"giftflow/internal/staging"
)

// Scratch harness: boots the API against a canned upstream and runs one
// manual intake end to end.
func main() {
	workspace := "/tmp/giftflow-check"
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"createGiftStaging": map[string]any{"id": "gs-check-1"}},
		})
	}))
	defer upstream.Close()

	cfg := config.Default()
	cfg.CRM.BaseURL = upstream.URL
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	client := crm.New(cfg.CRM, nil)
	store := staging.NewStore(client)
	writer := journal.NewWriter(conn, nil)
	promoter := promotion.New(store, ledger.NewGifts(client), ledger.NewAgreements(client),
		receipt.New(cfg.Receipts, nil), cfg.Promotion, nil)
	promoter.Journal = writer
	svc := intake.New(store, promoter, config.Staging{Enabled: true}, nil)
	svc.Journal = writer

	h, err := server.New(server.Config{App: server.App{
		Intake:   svc,
		Promoter: promoter,
		Stagings: store,
		Journal:  journal.NewReader(conn),
		Events:   writer,
		Config:   cfg,
	}, BasePath: "/v0"})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	body := map[string]any{
		"donorId":      "donor-check",
		"amountMinor":  1500,
		"currencyCode": "EUR",
	}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v0/gift-stagings", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var resp any
	_ = json.NewDecoder(res.Body).Decode(&resp)
	fmt.Printf("status=%d resp=%v\n", res.StatusCode, resp)
}
