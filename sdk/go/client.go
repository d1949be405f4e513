package giftflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Giftflow HTTP API client.
type Client struct {
	BaseURL    string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Staging represents the API staging record model (partial).
type Staging struct {
	ID                   string  `json:"id"`
	PromotionStatus      string  `json:"promotionStatus"`
	ValidationStatus     string  `json:"validationStatus,omitempty"`
	DedupeStatus         string  `json:"dedupeStatus,omitempty"`
	GiftID               string  `json:"giftId,omitempty"`
	RecurringAgreementID string  `json:"recurringAgreementId,omitempty"`
	AmountMinor          int64   `json:"amountMinor,omitempty"`
	AmountMajor          float64 `json:"amountMajor,omitempty"`
	CurrencyCode         string  `json:"currencyCode,omitempty"`
	DonorID              string  `json:"donorId,omitempty"`
	CompanyID            string  `json:"companyId,omitempty"`
	IntakeSource         string  `json:"intakeSource,omitempty"`
	RawPayload           string  `json:"rawPayload,omitempty"`
	UpdatedAt            string  `json:"updatedAt,omitempty"`
}

// IntakeOutcome reports what intake did with one donation.
type IntakeOutcome struct {
	StagingID string         `json:"stagingId"`
	Promotion *PromoteResult `json:"promotion,omitempty"`
}

// PromoteResult is the typed outcome of a promotion attempt.
type PromoteResult struct {
	Status string `json:"status"`
	GiftID string `json:"giftId,omitempty"`
	Reason string `json:"reason,omitempty"`
	Code   string `json:"error,omitempty"`
}

// JournalEvent is one local audit journal entry.
type JournalEvent struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	StagingID string         `json:"staging_id,omitempty"`
	GiftID    string         `json:"gift_id,omitempty"`
	ActorID   string         `json:"actor_id"`
	Detail    map[string]any `json:"detail"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedStagings wraps list responses with cursors.
type PaginatedStagings struct {
	Items      []Staging `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// CreateStaging stages a manually entered donation.
func (c *Client) CreateStaging(ctx context.Context, donation map[string]any) (IntakeOutcome, error) {
	var resp IntakeOutcome
	err := c.do(ctx, http.MethodPost, "v0/gift-stagings", donation, &resp)
	return resp, err
}

// GetStaging fetches a staging record by id.
func (c *Client) GetStaging(ctx context.Context, id string) (Staging, error) {
	var resp Staging
	err := c.do(ctx, http.MethodGet, "v0/gift-stagings/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateStaging applies reviewer edits. Payload keys follow the merge
// rules: null or empty string clears, a value sets, omission keeps.
func (c *Client) UpdateStaging(ctx context.Context, id string, payload map[string]any, promotionStatus string) (Staging, error) {
	body := map[string]any{}
	if len(payload) > 0 {
		body["payload"] = payload
	}
	if promotionStatus != "" {
		body["promotionStatus"] = promotionStatus
	}
	var resp Staging
	err := c.do(ctx, http.MethodPatch, "v0/gift-stagings/"+url.PathEscape(id), body, &resp)
	return resp, err
}

// ListStagings returns a paginated staging listing.
func (c *Client) ListStagings(ctx context.Context, promotionStatus string, limit int, cursor string) (PaginatedStagings, error) {
	query := url.Values{}
	if promotionStatus != "" {
		query.Set("promotion_status", promotionStatus)
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	endpoint := "v0/gift-stagings"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp PaginatedStagings
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Promote attempts to commit a staging record into the gift ledger.
func (c *Client) Promote(ctx context.Context, id string) (PromoteResult, error) {
	var resp PromoteResult
	err := c.do(ctx, http.MethodPost, "v0/gift-stagings/"+url.PathEscape(id)+"/promote", nil, &resp)
	return resp, err
}

// ListStuck reports records stuck in committing longer than olderThanMinutes.
func (c *Client) ListStuck(ctx context.Context, olderThanMinutes int) ([]Staging, error) {
	var resp PaginatedStagings
	endpoint := fmt.Sprintf("v0/reconciliation/stuck?older_than_minutes=%d", olderThanMinutes)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Journal tails the local audit journal.
func (c *Client) Journal(ctx context.Context, limit int, after int64) ([]JournalEvent, error) {
	var resp struct {
		Items []JournalEvent `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/journal?limit=%d&after=%d", limit, after)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
