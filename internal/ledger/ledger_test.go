package ledger_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"giftflow/internal/ledger"
)

type call struct {
	method, path string
	body         any
}

type fakeClient struct {
	calls []call
	resp  map[string]any
	err   error
}

func (f *fakeClient) Request(_ context.Context, method, path string, body any) (map[string]any, error) {
	f.calls = append(f.calls, call{method: method, path: path, body: body})
	return f.resp, f.err
}

func TestGiftCreateReturnsID(t *testing.T) {
	client := &fakeClient{resp: map[string]any{
		"data": map[string]any{"createGift": map[string]any{"id": "gift-7"}},
	}}
	gifts := ledger.NewGifts(client)
	id, err := gifts.Create(context.Background(), map[string]any{"donorId": "d-1"})
	require.NoError(t, err)
	assert.Equal(t, "gift-7", id)
	require.Len(t, client.calls, 1)
	assert.Equal(t, http.MethodPost, client.calls[0].method)
	assert.Equal(t, "/gifts", client.calls[0].path)
}

func TestGiftCreateRejectsMalformedEnvelope(t *testing.T) {
	for name, resp := range map[string]map[string]any{
		"missing data":       {"ok": true},
		"createGift not obj": {"data": map[string]any{"createGift": "gift-7"}},
		"blank id":           {"data": map[string]any{"createGift": map[string]any{"id": ""}}},
	} {
		client := &fakeClient{resp: resp}
		_, err := ledger.NewGifts(client).Create(context.Background(), map[string]any{})
		assert.Error(t, err, name)
	}
}

func TestAgreementAdvanceSendsPatch(t *testing.T) {
	client := &fakeClient{}
	agreements := ledger.NewAgreements(client)
	err := agreements.Advance(context.Background(), "ra-1", "2024-04-05T00:00:00Z", "active")
	require.NoError(t, err)
	require.Len(t, client.calls, 1)
	assert.Equal(t, http.MethodPatch, client.calls[0].method)
	assert.Equal(t, "/recurringAgreements/ra-1", client.calls[0].path)
	assert.Equal(t, map[string]any{"nextExpectedAt": "2024-04-05T00:00:00Z", "status": "active"}, client.calls[0].body)
}

func TestAgreementAdvanceWrapsFailure(t *testing.T) {
	client := &fakeClient{err: errors.New("boom")}
	err := ledger.NewAgreements(client).Advance(context.Background(), "ra-1", "", "active")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ra-1")
}
