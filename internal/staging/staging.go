// Package staging is the accessor for the remote staging collection. All
// reads and writes go through the outbound client; responses are checked by
// explicit envelope validators rather than optional-chained lookups, so a
// malformed upstream body surfaces as a typed decode error.
package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"giftflow/internal/crm"
	"giftflow/internal/domain"
)

// ErrNotFound marks a staging record the remote collection does not have.
var ErrNotFound = errors.New("staging record not found")

// Client is the slice of the outbound client the store needs. *crm.Client
// satisfies it; tests substitute fakes.
type Client interface {
	Request(ctx context.Context, method, path string, body any) (map[string]any, error)
}

// Store performs get/create/patch/list operations against the remote
// staging collection.
type Store struct {
	client Client
}

func NewStore(client Client) *Store {
	return &Store{client: client}
}

// CreateResult is the remote collection's answer to a create, echoing the
// fields the intake layer cares about.
type CreateResult struct {
	ID              string                 `json:"id"`
	AutoPromote     bool                   `json:"autoPromote,omitempty"`
	PromotionStatus domain.PromotionStatus `json:"promotionStatus,omitempty"`
}

// Page is one page of a staging listing.
type Page struct {
	Records     []domain.StagingRecord
	HasNextPage bool
	EndCursor   string
}

// Get fetches one staging record by id.
func (s *Store) Get(ctx context.Context, id string) (domain.StagingRecord, error) {
	resp, err := s.client.Request(ctx, http.MethodGet, "/giftStagings/"+url.PathEscape(id), nil)
	if err != nil {
		if crm.IsNotFound(err) {
			return domain.StagingRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return domain.StagingRecord{}, fmt.Errorf("fetch staging %s: %w", id, err)
	}
	obj, err := objectAt(resp, "data", "giftStaging")
	if err != nil {
		return domain.StagingRecord{}, fmt.Errorf("staging %s: %w", id, err)
	}
	return decodeRecord(obj)
}

// Create inserts a new staging record from normalized + flattened fields.
func (s *Store) Create(ctx context.Context, fields map[string]any) (CreateResult, error) {
	resp, err := s.client.Request(ctx, http.MethodPost, "/giftStagings", fields)
	if err != nil {
		return CreateResult{}, fmt.Errorf("create staging: %w", err)
	}
	obj, err := objectAt(resp, "data", "createGiftStaging")
	if err != nil {
		return CreateResult{}, err
	}
	var res CreateResult
	if err := reencode(obj, &res); err != nil {
		return CreateResult{}, err
	}
	if res.ID == "" {
		return CreateResult{}, fmt.Errorf("create staging: response missing id")
	}
	return res, nil
}

// Patch applies partial status/payload fields to a staging record.
func (s *Store) Patch(ctx context.Context, id string, fields map[string]any) error {
	_, err := s.client.Request(ctx, http.MethodPatch, "/giftStagings/"+url.PathEscape(id), fields)
	if err != nil {
		if crm.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("patch staging %s: %w", id, err)
	}
	return nil
}

// List fetches one page of staging records matching the query.
func (s *Store) List(ctx context.Context, query url.Values) (Page, error) {
	path := "/giftStagings"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	resp, err := s.client.Request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return Page{}, fmt.Errorf("list stagings: %w", err)
	}
	data, err := objectAt(resp, "data")
	if err != nil {
		return Page{}, err
	}
	items, ok := data["giftStagings"].([]any)
	if !ok {
		return Page{}, fmt.Errorf("response missing data.giftStagings list")
	}
	page := Page{Records: make([]domain.StagingRecord, 0, len(items))}
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return Page{}, fmt.Errorf("data.giftStagings[%d] is not an object", i)
		}
		rec, err := decodeRecord(obj)
		if err != nil {
			return Page{}, err
		}
		page.Records = append(page.Records, rec)
	}
	if info, ok := data["pageInfo"].(map[string]any); ok {
		page.HasNextPage, _ = info["hasNextPage"].(bool)
		page.EndCursor, _ = info["endCursor"].(string)
	}
	return page, nil
}

// objectAt walks nested objects by key, failing with the exact path that was
// missing or mistyped.
func objectAt(m map[string]any, path ...string) (map[string]any, error) {
	cur := m
	for i, key := range path {
		next, ok := cur[key].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("response missing object at %v", path[:i+1])
		}
		cur = next
	}
	return cur, nil
}

func decodeRecord(obj map[string]any) (domain.StagingRecord, error) {
	var rec domain.StagingRecord
	if err := reencode(obj, &rec); err != nil {
		return domain.StagingRecord{}, err
	}
	if rec.ID == "" {
		return domain.StagingRecord{}, fmt.Errorf("staging record missing id")
	}
	return rec, nil
}

func reencode(obj map[string]any, out any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response object: %w", err)
	}
	return nil
}
