package coa

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/ledgerline/ledgerline/internal/money"
	"github.com/ledgerline/ledgerline/internal/observability"
	"github.com/ledgerline/ledgerline/internal/platform/httpx"
	"github.com/ledgerline/ledgerline/internal/shared"
)

// Handler exposes the engine as a JSON API. Authentication and sessions are
// an upstream concern; this layer only decodes, validates, and maps errors.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	metrics   *observability.Metrics
	balances  singleflight.Group
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// WithMetrics attaches the metrics registry for balance timing.
func (h *Handler) WithMetrics(m *observability.Metrics) *Handler {
	h.metrics = m
	return h
}

// MountRoutes registers the account routes under a company scope.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/companies/{companyID}/accounts", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/tree", h.tree)
		r.Get("/next-code", h.nextCode)
		r.Route("/{accountID}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Patch("/", h.update)
			r.Delete("/", h.delete)
			r.Post("/reparent", h.reparent)
			r.Post("/archive", h.archive)
			r.Get("/balance", h.balance)
		})
	})
}

type createAccountRequest struct {
	Code               string  `json:"code"`
	Name               string  `json:"name" validate:"required"`
	Description        string  `json:"description"`
	Type               string  `json:"type" validate:"required"`
	SubType            string  `json:"subType" validate:"required"`
	ParentAccountID    *string `json:"parentAccountId" validate:"omitempty,uuid4"`
	IsControlAccount   bool    `json:"isControlAccount"`
	AllowDirect        bool    `json:"allowDirectTransactions"`
	Currency           string  `json:"currency" validate:"omitempty,len=3"`
	OpeningBalance     string  `json:"openingBalance" validate:"omitempty,number"`
	OpeningBalanceDate string  `json:"openingBalanceDate" validate:"omitempty,datetime=2006-01-02"`
}

type updateAccountRequest struct {
	Name             *string `json:"name" validate:"omitempty,min=1"`
	Description      *string `json:"description"`
	SubType          *string `json:"subType"`
	IsControlAccount *bool   `json:"isControlAccount"`
	AllowDirect      *bool   `json:"allowDirectTransactions"`
	Currency         *string `json:"currency" validate:"omitempty,len=3"`
	Status           *string `json:"status"`
}

type reparentRequest struct {
	NewParentID *string `json:"newParentId" validate:"omitempty,uuid4"`
}

type accountResponse struct {
	ID                 string  `json:"id"`
	CompanyID          int64   `json:"companyId"`
	Code               string  `json:"code"`
	Name               string  `json:"name"`
	Description        string  `json:"description,omitempty"`
	Type               string  `json:"type"`
	SubType            string  `json:"subType"`
	ParentAccountID    *string `json:"parentAccountId,omitempty"`
	Level              int     `json:"level"`
	IsControlAccount   bool    `json:"isControlAccount"`
	AllowDirect        bool    `json:"allowDirectTransactions"`
	Currency           string  `json:"currency"`
	OpeningBalance     string  `json:"openingBalance"`
	OpeningBalanceDate *string `json:"openingBalanceDate,omitempty"`
	Status             string  `json:"status"`
	CreatedAt          string  `json:"createdAt"`
	UpdatedAt          string  `json:"updatedAt"`
}

type balanceResponse struct {
	AccountID   string `json:"accountId"`
	AsOf        string `json:"asOf"`
	DebitTotal  string `json:"debitTotal"`
	CreditTotal string `json:"creditTotal"`
	NetBalance  string `json:"netBalance"`
}

type treeNodeResponse struct {
	Account  accountResponse    `json:"account"`
	Balance  *balanceResponse   `json:"balance,omitempty"`
	Children []treeNodeResponse `json:"children,omitempty"`
}

type listResponse struct {
	Accounts   []accountResponse `json:"accounts"`
	Pagination shared.Pagination `json:"pagination"`
}

func toAccountResponse(a Account) accountResponse {
	resp := accountResponse{
		ID:               a.ID.String(),
		CompanyID:        a.CompanyID,
		Code:             a.Code,
		Name:             a.Name,
		Description:      a.Description,
		Type:             string(a.Type),
		SubType:          string(a.SubType),
		Level:            a.Level,
		IsControlAccount: a.IsControl,
		AllowDirect:      a.AllowDirect,
		Currency:         a.Currency,
		OpeningBalance:   a.OpeningBalance.String(),
		Status:           string(a.Status),
		CreatedAt:        a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        a.UpdatedAt.Format(time.RFC3339),
	}
	if a.ParentID != nil {
		id := a.ParentID.String()
		resp.ParentAccountID = &id
	}
	if a.OpeningBalanceDate != nil {
		d := a.OpeningBalanceDate.Format("2006-01-02")
		resp.OpeningBalanceDate = &d
	}
	return resp
}

func toBalanceResponse(b BalanceReport) balanceResponse {
	return balanceResponse{
		AccountID:   b.AccountID.String(),
		AsOf:        b.AsOf.Format("2006-01-02"),
		DebitTotal:  b.Debit.String(),
		CreditTotal: b.Credit.String(),
		NetBalance:  b.Net.String(),
	}
}

func toTreeResponse(nodes []*AccountNode) []treeNodeResponse {
	out := make([]treeNodeResponse, 0, len(nodes))
	for _, n := range nodes {
		node := treeNodeResponse{Account: toAccountResponse(n.Account), Children: toTreeResponse(n.Children)}
		if n.Balance != nil {
			b := toBalanceResponse(*n.Balance)
			node.Balance = &b
		}
		out = append(out, node)
	}
	return out
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	companyID, ok := h.companyID(w, r)
	if !ok {
		return
	}
	var req createAccountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body is not valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	in := CreateInput{
		CompanyID:   companyID,
		Code:        req.Code,
		Name:        req.Name,
		Description: req.Description,
		Type:        AccountType(req.Type),
		SubType:     AccountSubType(req.SubType),
		IsControl:   req.IsControlAccount,
		AllowDirect: req.AllowDirect,
		Currency:    req.Currency,
	}
	if req.ParentAccountID != nil {
		id, err := uuid.Parse(*req.ParentAccountID)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "parentAccountId is not a valid id")
			return
		}
		in.ParentID = &id
	}
	if req.OpeningBalance != "" {
		ob, err := decimal.NewFromString(req.OpeningBalance)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "openingBalance is not a valid decimal")
			return
		}
		in.OpeningBalance = ob
	}
	if req.OpeningBalanceDate != "" {
		d, err := time.Parse("2006-01-02", req.OpeningBalanceDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "openingBalanceDate must be YYYY-MM-DD")
			return
		}
		in.OpeningBalanceDate = &d
	}

	account, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.respondError(w, r, "create account", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toAccountResponse(account))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	companyID, accountID, ok := h.scope(w, r)
	if !ok {
		return
	}
	account, err := h.service.Get(r.Context(), companyID, accountID)
	if err != nil {
		h.respondError(w, r, "get account", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAccountResponse(account))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	companyID, accountID, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req updateAccountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body is not valid JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	patch := UpdateInput{
		Name:        req.Name,
		Description: req.Description,
		IsControl:   req.IsControlAccount,
		AllowDirect: req.AllowDirect,
		Currency:    req.Currency,
	}
	if req.SubType != nil {
		st := AccountSubType(*req.SubType)
		patch.SubType = &st
	}
	if req.Status != nil {
		st := AccountStatus(*req.Status)
		patch.Status = &st
	}

	account, err := h.service.Update(r.Context(), companyID, accountID, patch)
	if err != nil {
		h.respondError(w, r, "update account", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAccountResponse(account))
}

func (h *Handler) reparent(w http.ResponseWriter, r *http.Request) {
	companyID, accountID, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req reparentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "request body is not valid JSON")
		return
	}
	var newParentID *uuid.UUID
	if req.NewParentID != nil {
		id, err := uuid.Parse(*req.NewParentID)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "newParentId is not a valid id")
			return
		}
		newParentID = &id
	}
	account, err := h.service.Reparent(r.Context(), companyID, accountID, newParentID)
	if err != nil {
		h.respondError(w, r, "reparent account", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAccountResponse(account))
}

func (h *Handler) archive(w http.ResponseWriter, r *http.Request) {
	companyID, accountID, ok := h.scope(w, r)
	if !ok {
		return
	}
	account, err := h.service.Archive(r.Context(), companyID, accountID)
	if err != nil {
		h.respondError(w, r, "archive account", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAccountResponse(account))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	companyID, accountID, ok := h.scope(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), companyID, accountID); err != nil {
		h.respondError(w, r, "delete account", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	companyID, ok := h.companyID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := Filter{
		Type:    AccountType(q.Get("type")),
		SubType: AccountSubType(q.Get("subType")),
		Status:  AccountStatus(q.Get("status")),
		Search:  q.Get("search"),
		SortBy:  q.Get("sort"),
		SortDir: q.Get("dir"),
	}
	if v := q.Get("parentId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "parentId is not a valid id")
			return
		}
		f.ParentID = &id
	}
	f.Page, _ = strconv.Atoi(q.Get("page"))
	f.PerPage, _ = strconv.Atoi(q.Get("per_page"))

	page, err := h.service.List(r.Context(), companyID, f)
	if err != nil {
		h.respondError(w, r, "list accounts", err)
		return
	}
	resp := listResponse{Accounts: make([]accountResponse, 0, len(page.Accounts)), Pagination: page.Meta}
	for _, a := range page.Accounts {
		resp.Accounts = append(resp.Accounts, toAccountResponse(a))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) tree(w http.ResponseWriter, r *http.Request) {
	companyID, ok := h.companyID(w, r)
	if !ok {
		return
	}
	opts := TreeOptions{WithBalances: r.URL.Query().Get("balances") == "1"}
	if v := r.URL.Query().Get("as_of"); v != "" {
		asOf, err := time.Parse("2006-01-02", v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "as_of must be YYYY-MM-DD")
			return
		}
		opts.AsOf = asOf
	}
	forest, err := h.service.BuildTree(r.Context(), companyID, opts)
	if err != nil {
		h.respondError(w, r, "build tree", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"tree": toTreeResponse(forest)})
}

func (h *Handler) nextCode(w http.ResponseWriter, r *http.Request) {
	companyID, ok := h.companyID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var parentID *uuid.UUID
	if v := q.Get("parentId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "parentId is not a valid id")
			return
		}
		parentID = &id
	}
	code, err := h.service.GenerateCode(r.Context(), companyID, AccountType(q.Get("type")), AccountSubType(q.Get("subType")), parentID)
	if err != nil {
		h.respondError(w, r, "generate code", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"code": code})
}

// balance deduplicates concurrent identical reads through singleflight:
// the aggregation is pure, so sharing one in-flight result is safe.
func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	companyID, accountID, ok := h.scope(w, r)
	if !ok {
		return
	}
	asOf := time.Now()
	if v := r.URL.Query().Get("as_of"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "as_of must be YYYY-MM-DD")
			return
		}
		asOf = parsed
	}
	key := strconv.FormatInt(companyID, 10) + ":" + accountID.String() + ":" + asOf.Format("2006-01-02")
	start := time.Now()
	v, err, _ := h.balances.Do(key, func() (any, error) {
		// Detached from the request: the leading caller hanging up must not
		// cancel a result shared with deduplicated followers.
		return h.service.Balance(context.WithoutCancel(r.Context()), companyID, accountID, asOf)
	})
	h.metrics.ObserveBalanceAggregation(time.Since(start))
	if err != nil {
		h.respondError(w, r, "get balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBalanceResponse(v.(BalanceReport)))
}

func (h *Handler) companyID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "companyID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "companyID must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (int64, uuid.UUID, bool) {
	companyID, ok := h.companyID(w, r)
	if !ok {
		return 0, uuid.Nil, false
	}
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "accountID is not a valid id")
		return 0, uuid.Nil, false
	}
	return companyID, accountID, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", verr.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicateCode),
		errors.Is(err, ErrCodeConflict),
		errors.Is(err, ErrCycleDetected),
		errors.Is(err, ErrTypeMismatch),
		errors.Is(err, ErrParentArchived),
		errors.Is(err, ErrHasChildren),
		errors.Is(err, ErrHasActivity):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrTreeTooDeep),
		errors.Is(err, ErrCodeSpaceExhausted),
		errors.Is(err, money.ErrPrecisionOverflow),
		errors.Is(err, money.ErrDivisionByZero):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err), slog.String("path", r.URL.Path))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
