// Package ledger is the narrow contract this pipeline requires from the
// remote gift ledger and its recurring agreement collaborator. The ledger's
// own data model is out of scope; only the create/patch surface is typed.
package ledger

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Client is the outbound-client surface the ledger accessors use.
type Client interface {
	Request(ctx context.Context, method, path string, body any) (map[string]any, error)
}

// Gifts creates canonical gift records.
type Gifts struct {
	client Client
}

func NewGifts(client Client) *Gifts {
	return &Gifts{client: client}
}

// Create posts a stripped normalized payload to the ledger and returns the
// new gift id. Any response shape other than {data:{createGift:{id}}} is a
// validation failure.
func (g *Gifts) Create(ctx context.Context, payload map[string]any) (string, error) {
	resp, err := g.client.Request(ctx, http.MethodPost, "/gifts", payload)
	if err != nil {
		return "", err
	}
	data, ok := resp["data"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("gift create response missing data object")
	}
	created, ok := data["createGift"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("gift create response missing data.createGift object")
	}
	id, ok := created["id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("gift create response missing id")
	}
	return id, nil
}

// Agreements advances recurring agreements after a committed gift.
type Agreements struct {
	client Client
}

func NewAgreements(client Client) *Agreements {
	return &Agreements{client: client}
}

// Advance moves an agreement's next expected date forward and sets its
// status.
func (a *Agreements) Advance(ctx context.Context, id, nextExpectedAt, status string) error {
	_, err := a.client.Request(ctx, http.MethodPatch, "/recurringAgreements/"+url.PathEscape(id), map[string]any{
		"nextExpectedAt": nextExpectedAt,
		"status":         status,
	})
	if err != nil {
		return fmt.Errorf("advance agreement %s: %w", id, err)
	}
	return nil
}
