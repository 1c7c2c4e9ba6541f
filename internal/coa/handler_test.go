package coa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	return newTestServerWith(t, repo), repo
}

func newTestServerWith(t *testing.T, repo Repository) *httptest.Server {
	t.Helper()
	svc := newTestService(repo)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(logger, svc)

	r := chi.NewRouter()
	h.MountRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestHandlerCreateAccount(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/companies/7/accounts", map[string]any{
		"name":    "Cash",
		"type":    "ASSET",
		"subType": "CURRENT_ASSET",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var got accountResponse
	decodeBody(t, resp, &got)
	assert.Equal(t, "1000", got.Code)
	assert.Equal(t, "ACTIVE", got.Status)
	assert.Equal(t, int64(7), got.CompanyID)
	assert.Equal(t, 0, got.Level)
	assert.NotEmpty(t, got.ID)
}

func TestHandlerCreateValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/companies/7/accounts"

	// Missing required fields.
	resp := doJSON(t, http.MethodPost, base, map[string]any{"name": "Cash"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Cross-type sub-type is a domain validation failure.
	resp = doJSON(t, http.MethodPost, base, map[string]any{
		"name":    "Weird",
		"type":    "ASSET",
		"subType": "RETAINED_EARNINGS",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Malformed JSON.
	req, err := http.NewRequest(http.MethodPost, base, bytes.NewBufferString("{"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	// Bad company scope.
	resp = doJSON(t, http.MethodPost, srv.URL+"/companies/0/accounts", map[string]any{
		"name": "Cash", "type": "ASSET", "subType": "CURRENT_ASSET",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerDuplicateCodeConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/companies/7/accounts"

	body := map[string]any{"name": "Cash", "code": "1500", "type": "ASSET", "subType": "CURRENT_ASSET"}
	resp := doJSON(t, http.MethodPost, base, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, base, body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var problem struct {
		Title  string `json:"title"`
		Status int    `json:"status"`
	}
	decodeBody(t, resp, &problem)
	assert.Equal(t, "Conflict", problem.Title)
	assert.Equal(t, http.StatusConflict, problem.Status)
}

func TestHandlerGetUpdateArchiveDelete(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/companies/7/accounts"

	resp := doJSON(t, http.MethodPost, base, map[string]any{
		"name": "Cash", "type": "ASSET", "subType": "CURRENT_ASSET",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created accountResponse
	decodeBody(t, resp, &created)

	resp = doJSON(t, http.MethodGet, base+"/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPatch, base+"/"+created.ID, map[string]any{"name": "Cash on Hand"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated accountResponse
	decodeBody(t, resp, &updated)
	assert.Equal(t, "Cash on Hand", updated.Name)

	resp = doJSON(t, http.MethodPost, base+"/"+created.ID+"/archive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var archived accountResponse
	decodeBody(t, resp, &archived)
	assert.Equal(t, "ARCHIVED", archived.Status)

	resp = doJSON(t, http.MethodDelete, base+"/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, base+"/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlerDeleteWithChildrenConflicts(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/companies/7/accounts"

	resp := doJSON(t, http.MethodPost, base, map[string]any{
		"name": "Cash", "type": "ASSET", "subType": "CURRENT_ASSET",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var parent accountResponse
	decodeBody(t, resp, &parent)

	resp = doJSON(t, http.MethodPost, base, map[string]any{
		"name": "Petty Cash", "type": "ASSET", "subType": "CURRENT_ASSET",
		"parentAccountId": parent.ID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, base+"/"+parent.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandlerReparent(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/companies/7/accounts"

	var a, b accountResponse
	resp := doJSON(t, http.MethodPost, base, map[string]any{
		"name": "Assets", "type": "ASSET", "subType": "CURRENT_ASSET",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	decodeBody(t, resp, &a)

	resp = doJSON(t, http.MethodPost, base, map[string]any{
		"name": "Bank", "type": "ASSET", "subType": "CURRENT_ASSET",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	decodeBody(t, resp, &b)

	resp = doJSON(t, http.MethodPost, base+"/"+b.ID+"/reparent", map[string]any{"newParentId": a.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var moved accountResponse
	decodeBody(t, resp, &moved)
	assert.Equal(t, 1, moved.Level)
	require.NotNil(t, moved.ParentAccountID)
	assert.Equal(t, a.ID, *moved.ParentAccountID)

	// Moving a under its own descendant is a cycle.
	resp = doJSON(t, http.MethodPost, base+"/"+a.ID+"/reparent", map[string]any{"newParentId": b.ID})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandlerListAndNextCode(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/companies/7/accounts"

	for _, name := range []string{"Cash", "Inventory"} {
		resp := doJSON(t, http.MethodPost, base, map[string]any{
			"name": name, "type": "ASSET", "subType": "CURRENT_ASSET",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := doJSON(t, http.MethodGet, base+"?type=ASSET", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list listResponse
	decodeBody(t, resp, &list)
	assert.Len(t, list.Accounts, 2)
	assert.Equal(t, 2, list.Pagination.Total)

	resp = doJSON(t, http.MethodGet, base+"/next-code?type=ASSET", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var next map[string]string
	decodeBody(t, resp, &next)
	assert.Equal(t, "1002", next["code"])
}

func TestHandlerBalance(t *testing.T) {
	srv, repo := newTestServer(t)
	base := srv.URL + "/companies/7/accounts"

	cash := seedAccount(repo, "1000", "Cash", AccountTypeAsset, SubTypeCurrentAsset, func(a *Account) {
		a.OpeningBalance = decimal.RequireFromString("1000.00")
		d := date(2026, 1, 1)
		a.OpeningBalanceDate = &d
	})
	repo.post(cash.ID, date(2026, 2, 1), "250.00", "200.00")

	resp := doJSON(t, http.MethodGet, fmt.Sprintf("%s/%s/balance?as_of=2026-06-30", base, cash.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got balanceResponse
	decodeBody(t, resp, &got)
	assert.Equal(t, "1250", got.DebitTotal)
	assert.Equal(t, "200", got.CreditTotal)
	assert.Equal(t, "1050", got.NetBalance)
	assert.Equal(t, "2026-06-30", got.AsOf)

	resp = doJSON(t, http.MethodGet, base+"/"+cash.ID.String()+"/balance?as_of=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// gatedActivityRepo blocks activity reads until released so a test can act
// while an aggregation is in flight.
type gatedActivityRepo struct {
	*fakeRepo
	entered chan struct{}
	release chan struct{}
}

func (g *gatedActivityRepo) FetchActivityTotals(ctx context.Context, id uuid.UUID, since, until time.Time) (ActivityTotals, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.fakeRepo.FetchActivityTotals(ctx, id, since, until)
}

func TestHandlerBalanceSurvivesLeadingCallerDisconnect(t *testing.T) {
	repo := newFakeRepo()
	gated := &gatedActivityRepo{
		fakeRepo: repo,
		entered:  make(chan struct{}, 2),
		release:  make(chan struct{}),
	}
	srv := newTestServerWith(t, gated)

	cash := seedAccount(repo, "1000", "Cash", AccountTypeAsset, SubTypeCurrentAsset, nil)
	repo.post(cash.ID, date(2026, 2, 1), "42.00", "0")
	url := srv.URL + "/companies/7/accounts/" + cash.ID.String() + "/balance?as_of=2026-06-30"

	leadCtx, cancelLead := context.WithCancel(context.Background())
	leadDone := make(chan struct{})
	go func() {
		defer close(leadDone)
		req, err := http.NewRequestWithContext(leadCtx, http.MethodGet, url, nil)
		if err != nil {
			return
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
		}
	}()

	// Aggregation is now in flight and blocked on the store.
	<-gated.entered

	type followerResult struct {
		code int
		body balanceResponse
		err  error
	}
	followerDone := make(chan followerResult, 1)
	go func() {
		resp, err := http.Get(url)
		if err != nil {
			followerDone <- followerResult{err: err}
			return
		}
		defer resp.Body.Close()
		var body balanceResponse
		err = json.NewDecoder(resp.Body).Decode(&body)
		followerDone <- followerResult{code: resp.StatusCode, body: body, err: err}
	}()

	// Give the follower time to join the in-flight read, then hang up the
	// leading caller before letting the store respond.
	time.Sleep(50 * time.Millisecond)
	cancelLead()
	<-leadDone
	close(gated.release)

	res := <-followerDone
	require.NoError(t, res.err)
	require.Equal(t, http.StatusOK, res.code)
	assert.Equal(t, "42", res.body.NetBalance)
	assert.Equal(t, 1, repo.activityCalls, "follower should share the leading caller's read")
}

func TestHandlerTree(t *testing.T) {
	srv, repo := newTestServer(t)
	base := srv.URL + "/companies/7/accounts"

	parent := seedAccount(repo, "1000", "Cash", AccountTypeAsset, SubTypeCurrentAsset, func(a *Account) {
		a.IsControl = true
	})
	child := seedAccount(repo, "1001", "Petty Cash", AccountTypeAsset, SubTypeCurrentAsset, func(a *Account) {
		a.ParentID = &parent.ID
		a.Level = 1
	})
	repo.post(child.ID, date(2026, 2, 1), "300.00", "0")

	resp := doJSON(t, http.MethodGet, base+"/tree?balances=1&as_of=2026-06-30", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Tree []treeNodeResponse `json:"tree"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Tree, 1)
	root := body.Tree[0]
	require.NotNil(t, root.Balance)
	assert.Equal(t, "300", root.Balance.NetBalance)
	require.Len(t, root.Children, 1)
	assert.Equal(t, "1001", root.Children[0].Account.Code)
}
