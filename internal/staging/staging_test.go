package staging_test

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"giftflow/internal/crm"
	"giftflow/internal/domain"
	"giftflow/internal/staging"
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
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestGetDecodesEnvelope(t *testing.T) {
	client := &fakeClient{resp: map[string]any{
		"data": map[string]any{
			"giftStaging": map[string]any{
				"id":              "s1",
				"promotionStatus": "ready_for_commit",
				"rawPayload":      `{"donorId":"d-1"}`,
				"giftId":          "",
			},
		},
	}}
	store := staging.NewStore(client)
	rec, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", rec.ID)
	assert.Equal(t, domain.PromotionReadyForCommit, rec.PromotionStatus)
	assert.Equal(t, "/giftStagings/s1", client.calls[0].path)
	assert.Equal(t, http.MethodGet, client.calls[0].method)
}

func TestGetMapsRemote404ToNotFound(t *testing.T) {
	client := &fakeClient{err: &crm.RemoteError{Status: http.StatusNotFound, Message: "no such record"}}
	store := staging.NewStore(client)
	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, staging.ErrNotFound)
}

func TestGetRejectsMalformedEnvelope(t *testing.T) {
	client := &fakeClient{resp: map[string]any{"data": map[string]any{"giftStaging": "not an object"}}}
	store := staging.NewStore(client)
	_, err := store.Get(context.Background(), "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giftStaging")
}

func TestCreateRequiresID(t *testing.T) {
	client := &fakeClient{resp: map[string]any{
		"data": map[string]any{"createGiftStaging": map[string]any{"autoPromote": true}},
	}}
	store := staging.NewStore(client)
	_, err := store.Create(context.Background(), map[string]any{"donorId": "d-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing id")
}

func TestCreateEchoesFields(t *testing.T) {
	client := &fakeClient{resp: map[string]any{
		"data": map[string]any{"createGiftStaging": map[string]any{
			"id":              "s9",
			"autoPromote":     true,
			"promotionStatus": "ready_for_commit",
		}},
	}}
	store := staging.NewStore(client)
	res, err := store.Create(context.Background(), map[string]any{"donorId": "d-1"})
	require.NoError(t, err)
	assert.Equal(t, "s9", res.ID)
	assert.True(t, res.AutoPromote)
	assert.Equal(t, domain.PromotionReadyForCommit, res.PromotionStatus)
}

func TestPatchSendsPartialFields(t *testing.T) {
	client := &fakeClient{}
	store := staging.NewStore(client)
	err := store.Patch(context.Background(), "s1", map[string]any{"promotionStatus": "committing"})
	require.NoError(t, err)
	require.Len(t, client.calls, 1)
	assert.Equal(t, http.MethodPatch, client.calls[0].method)
	assert.Equal(t, "/giftStagings/s1", client.calls[0].path)
	assert.Equal(t, map[string]any{"promotionStatus": "committing"}, client.calls[0].body)
}

func TestListDecodesPage(t *testing.T) {
	client := &fakeClient{resp: map[string]any{
		"data": map[string]any{
			"giftStagings": []any{
				map[string]any{"id": "s1", "promotionStatus": "committing"},
				map[string]any{"id": "s2", "promotionStatus": "pending"},
			},
			"pageInfo": map[string]any{"hasNextPage": true, "endCursor": "cur-9"},
		},
	}}
	store := staging.NewStore(client)
	query := url.Values{}
	query.Set("promotionStatus", "committing")
	page, err := store.List(context.Background(), query)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.True(t, page.HasNextPage)
	assert.Equal(t, "cur-9", page.EndCursor)
	assert.Equal(t, "/giftStagings?promotionStatus=committing", client.calls[0].path)
}
