package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"giftflow/internal/config"
	"giftflow/internal/domain"
	"giftflow/internal/intake"
	"giftflow/internal/journal"
	"giftflow/internal/payload"
	"giftflow/internal/promotion"
	"giftflow/internal/staging"
)

// App bundles the wired pipeline the handlers delegate to.
type App struct {
	Intake   *intake.Service
	Promoter *promotion.Orchestrator
	Stagings *staging.Store
	Journal  *journal.Reader
	Events   *journal.Writer
	Config   *config.Config
	Logger   *slog.Logger
}

// Config for the HTTP API handler.
type Config struct {
	App      App
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"staging record not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Giftflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("Giftflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerIntake(group, cfg.App)
	registerStagings(group, cfg.App)
	registerPromotion(group, cfg.App)
	registerReconciliation(group, cfg.App)
	registerJournal(group, cfg.App)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, staging.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, intake.ErrStagingDisabled) {
		return newAPIError(http.StatusConflict, "staging_disabled", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusBadGateway, "upstream_error", "upstream request failed", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusBadGateway:
		return "upstream_error"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Giftflow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerIntake(api huma.API, app App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-gift-staging",
		Method:        http.MethodPost,
		Path:          "/gift-stagings",
		Summary:       "Stage a manually entered donation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ActorID string                `header:"X-Actor-Id"`
		Body    ManualDonationRequest `json:"body"`
	}) (*struct {
		Body IntakeOutcomeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.DonorID == "" && input.Body.CompanyID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "donorId or companyId is required", nil)
		}
		if input.Body.CurrencyCode == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "currencyCode is required", nil)
		}
		outcome, err := app.Intake.Manual(ctx, manualDonation(input.Body), input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntakeOutcomeResponse `json:"body"`
		}{Body: outcomeResponse(outcome)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "intake-webhook",
		Method:        http.MethodPost,
		Path:          "/intake/webhooks/{provider}",
		Summary:       "Stage a payment-provider webhook event",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Provider string         `path:"provider"`
		Body     map[string]any `json:"body"`
	}) (*struct {
		Body IntakeOutcomeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		outcome, err := app.Intake.FromWebhook(ctx, input.Provider, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntakeOutcomeResponse `json:"body"`
		}{Body: outcomeResponse(outcome)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "import-gift-stagings",
		Method:        http.MethodPost,
		Path:          "/gift-stagings/import",
		Summary:       "Stage a batch of imported donations",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ActorID string        `header:"X-Actor-Id"`
		Body    ImportRequest `json:"body"`
	}) (*struct {
		Body ImportResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Source == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "source is required", nil)
		}
		if len(input.Body.Rows) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "rows is required", nil)
		}
		rows := make([]intake.ImportRow, 0, len(input.Body.Rows))
		for _, r := range input.Body.Rows {
			rows = append(rows, importRow(r))
		}
		outcomes, failures := app.Intake.Import(ctx, input.Body.Source, rows, input.ActorID)
		resp := ImportResponse{Staged: make([]IntakeOutcomeResponse, 0, len(outcomes))}
		for _, o := range outcomes {
			resp.Staged = append(resp.Staged, outcomeResponse(o))
		}
		for _, f := range failures {
			resp.Failures = append(resp.Failures, f.Error())
		}
		return &struct {
			Body ImportResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerStagings(api huma.API, app App) {
	huma.Register(api, huma.Operation{
		OperationID: "get-gift-staging",
		Method:      http.MethodGet,
		Path:        "/gift-stagings/{id}",
		Summary:     "Get staging record",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body StagingResponse `json:"body"`
	}, error) {
		rec, err := app.Stagings.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StagingResponse `json:"body"`
		}{Body: stagingResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gift-stagings",
		Method:      http.MethodGet,
		Path:        "/gift-stagings",
		Summary:     "List staging records",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		PromotionStatus string `query:"promotion_status"`
		StagingBatchID  string `query:"staging_batch_id"`
		IntakeSource    string `query:"intake_source"`
		Limit           int    `query:"limit" default:"50"`
		Cursor          string `query:"cursor"`
	}) (*struct {
		Body paginatedStagings `json:"body"`
	}, error) {
		query := url.Values{}
		if input.PromotionStatus != "" {
			query.Set("promotionStatus", input.PromotionStatus)
		}
		if input.StagingBatchID != "" {
			query.Set("stagingBatchId", input.StagingBatchID)
		}
		if input.IntakeSource != "" {
			query.Set("intakeSource", input.IntakeSource)
		}
		if input.Limit > 0 {
			query.Set("limit", strconv.Itoa(input.Limit))
		}
		if input.Cursor != "" {
			query.Set("after", input.Cursor)
		}
		page, err := app.Stagings.List(ctx, query)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedStagings{Items: mapStagings(page.Records)}
		if page.HasNextPage {
			resp.NextCursor = page.EndCursor
		}
		return &struct {
			Body paginatedStagings `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-gift-staging",
		Method:      http.MethodPatch,
		Path:        "/gift-stagings/{id}",
		Summary:     "Apply reviewer edits to a staging record",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		ActorID string `header:"X-Actor-Id"`
		Body    UpdateStagingRequest `json:"body"`
	}) (*struct {
		Body StagingResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		rec, err := app.Stagings.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		switch rec.PromotionStatus {
		case domain.PromotionCommitted:
			return nil, newAPIError(http.StatusConflict, "already_committed", "staging record is already committed", map[string]any{"giftId": rec.GiftID})
		case domain.PromotionCommitting:
			return nil, newAPIError(http.StatusConflict, "locked", "staging record is being committed", nil)
		}
		fields, err := editFields(rec, input.Body)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if len(fields) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "no updates in body", nil)
		}
		if err := app.Stagings.Patch(ctx, input.ID, fields); err != nil {
			return nil, handleError(err)
		}
		app.Events.Record(ctx, journal.TypePayloadMerged, input.ID, "", input.ActorID, map[string]any{"fields": fieldNames(fields)})
		updated, err := app.Stagings.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StagingResponse `json:"body"`
		}{Body: stagingResponse(updated)}, nil
	})
}

// editFields turns a reviewer edit into the partial fields to patch. Payload
// updates go through the merge rules and re-flatten the indexed scalars;
// status fields pass through after a vocabulary check.
func editFields(rec domain.StagingRecord, req UpdateStagingRequest) (map[string]any, error) {
	fields := map[string]any{}
	if len(req.Payload) > 0 {
		merged, err := payload.MergeForUpdate(rec, req.Payload)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(merged)
		if err != nil {
			return nil, err
		}
		fields["rawPayload"] = string(data)
		for _, key := range []string{
			"amountMinor", "amountMajor", "currencyCode",
			"donorId", "companyId",
			"recurringAgreementId", "expectedAt",
		} {
			if v, ok := merged[key]; ok {
				fields[key] = v
			}
		}
	}
	if req.PromotionStatus != nil {
		status := domain.PromotionStatus(*req.PromotionStatus)
		switch status {
		case domain.PromotionPending, domain.PromotionReadyForCommit:
			fields["promotionStatus"] = string(status)
		default:
			return nil, fmt.Errorf("invalid promotionStatus %q: reviewers may set pending or ready_for_commit", *req.PromotionStatus)
		}
	}
	if req.ValidationStatus != nil {
		fields["validationStatus"] = *req.ValidationStatus
	}
	if req.DedupeStatus != nil {
		fields["dedupeStatus"] = *req.DedupeStatus
	}
	return fields, nil
}

func fieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	return names
}

func registerPromotion(api huma.API, app App) {
	huma.Register(api, huma.Operation{
		OperationID: "promote-gift-staging",
		Method:      http.MethodPost,
		Path:        "/gift-stagings/{id}/promote",
		Summary:     "Promote a staging record into the gift ledger",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.PromoteResult `json:"body"`
	}, error) {
		res, err := app.Promoter.Promote(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PromoteResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerReconciliation(api huma.API, app App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stuck-stagings",
		Method:      http.MethodGet,
		Path:        "/reconciliation/stuck",
		Summary:     "Report staging records stuck in committing",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		OlderThanMinutes int `query:"older_than_minutes" default:"60"`
	}) (*struct {
		Body paginatedStagings `json:"body"`
	}, error) {
		if input.OlderThanMinutes < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "older_than_minutes must not be negative", nil)
		}
		stuck, err := app.Promoter.ListStuck(ctx, time.Duration(input.OlderThanMinutes)*time.Minute)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedStagings `json:"body"`
		}{Body: paginatedStagings{Items: mapStagings(stuck)}}, nil
	})
}

func registerJournal(api huma.API, app App) {
	huma.Register(api, huma.Operation{
		OperationID: "tail-journal",
		Method:      http.MethodGet,
		Path:        "/journal",
		Summary:     "Tail the local audit journal",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Limit int   `query:"limit" default:"50"`
		After int64 `query:"after"`
	}) (*struct {
		Body journalPage `json:"body"`
	}, error) {
		if app.Journal == nil {
			return &struct {
				Body journalPage `json:"body"`
			}{Body: journalPage{Items: []journal.Event{}}}, nil
		}
		events, err := app.Journal.Tail(ctx, input.Limit, input.After)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "journal read failed", map[string]any{"error": err.Error()})
		}
		if events == nil {
			events = []journal.Event{}
		}
		return &struct {
			Body journalPage `json:"body"`
		}{Body: journalPage{Items: events}}, nil
	})
}
