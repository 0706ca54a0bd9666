package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"depositflow/internal/bonus"
	"depositflow/internal/common/api"
	"depositflow/internal/common/middleware"
	"depositflow/internal/common/money"
	"depositflow/internal/deposit"
)

// Service is the part of the deposit service the HTTP layer drives
type Service interface {
	Catalog() *deposit.Catalog
	CreateSession(ctx context.Context, req deposit.DepositRequest) (*deposit.Session, error)
	GetForUser(ctx context.Context, id, userID string) (*deposit.Session, error)
	ListForUser(ctx context.Context, userID string, limit, offset int) ([]*deposit.Session, int64, error)
	Submit(ctx context.Context, id, userID string) (*deposit.Session, error)
	Cancel(ctx context.Context, id, userID, reason string) (*deposit.Session, error)
	Requote(ctx context.Context, id, userID string, amount *money.Money) (*deposit.Session, error)
}

// Handler handles deposit HTTP requests
type Handler struct {
	service Service
}

// NewHandler creates a new deposit handler
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the deposit routes. Session routes require X-User-ID.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	// Catalog
	r.Get("/methods", h.ListMethods)
	r.Get("/bonus-tiers", h.ListBonusTiers)

	// Sessions
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireUser)
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{id}", h.GetSession)
		r.Post("/sessions/{id}/submit", h.SubmitSession)
		r.Post("/sessions/{id}/cancel", h.CancelSession)
		r.Post("/sessions/{id}/requote", h.RequoteSession)
	})

	return r
}

// ListMethods handles GET /methods
func (h *Handler) ListMethods(w http.ResponseWriter, r *http.Request) {
	api.WriteData(w, http.StatusOK, h.service.Catalog().EnabledMethods())
}

// BonusTiersResponse lists the tiers and, when an amount is given, the tier
// it qualifies for and the next one up.
type BonusTiersResponse struct {
	Tiers    []bonus.Tier `json:"tiers"`
	Selected *bonus.Tier  `json:"selected,omitempty"`
	Next     *bonus.Tier  `json:"next,omitempty"`
}

// ListBonusTiers handles GET /bonus-tiers?amount=
func (h *Handler) ListBonusTiers(w http.ResponseWriter, r *http.Request) {
	tiers := h.service.Catalog().Tiers()
	resp := BonusTiersResponse{Tiers: tiers}
	if resp.Tiers == nil {
		resp.Tiers = []bonus.Tier{}
	}

	if s := r.URL.Query().Get("amount"); s != "" {
		amount, err := decimal.NewFromString(s)
		if err != nil || !amount.IsPositive() {
			api.BadRequest(w, "amount must be a positive decimal")
			return
		}
		resp.Selected = bonus.SelectTier(amount, tiers)
		resp.Next = bonus.NextTier(amount, tiers)
	}

	api.WriteData(w, http.StatusOK, resp)
}

// CreateSessionRequest is the API request for opening a deposit session
type CreateSessionRequest struct {
	MethodID     string `json:"method_id" validate:"required,max=64"`
	Amount       string `json:"amount" validate:"required"`
	Currency     string `json:"currency" validate:"required,min=3,max=10"`
	BonusTierID  string `json:"bonus_tier_id" validate:"max=64,excluded_with=DeclineBonus"`
	DeclineBonus bool   `json:"decline_bonus"`
}

// CreateSession handles POST /sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	amount, err := money.Parse(req.Amount, money.Asset(req.Currency))
	if err != nil {
		api.ValidationError(w, err)
		return
	}

	sess, err := h.service.CreateSession(r.Context(), deposit.DepositRequest{
		UserID:       middleware.GetUserID(r.Context()),
		MethodID:     req.MethodID,
		Amount:       amount,
		BonusTierID:  req.BonusTierID,
		DeclineBonus: req.DeclineBonus,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, sess)
}

// ListSessions handles GET /sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	page := api.GetPaginationParams(r, 20, 100)

	sessions, total, err := h.service.ListForUser(r.Context(), middleware.GetUserID(r.Context()), page.Limit, page.Offset)
	if err != nil {
		api.InternalError(w, "failed to list sessions")
		return
	}

	api.WritePaginated(w, sessions, &api.Pagination{
		Limit:   page.Limit,
		Offset:  page.Offset,
		Total:   total,
		HasMore: int64(page.Offset+len(sessions)) < total,
	})
}

// GetSession handles GET /sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.GetForUser(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, sess)
}

// SubmitSession handles POST /sessions/{id}/submit
func (h *Handler) SubmitSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.Submit(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, sess)
}

// CancelSessionRequest carries an optional cancellation reason
type CancelSessionRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

// CancelSession handles POST /sessions/{id}/cancel
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	var req CancelSessionRequest
	if err := decodeOptional(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	sess, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, sess)
}

// RequoteSessionRequest optionally changes the amount of the replacement
type RequoteSessionRequest struct {
	Amount   string `json:"amount" validate:"required_with=Currency"`
	Currency string `json:"currency" validate:"required_with=Amount"`
}

// RequoteSession handles POST /sessions/{id}/requote
func (h *Handler) RequoteSession(w http.ResponseWriter, r *http.Request) {
	var req RequoteSessionRequest
	if err := decodeOptional(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	var amount *money.Money
	if req.Amount != "" {
		m, err := money.Parse(req.Amount, money.Asset(req.Currency))
		if err != nil {
			api.ValidationError(w, err)
			return
		}
		amount = &m
	}

	sess, err := h.service.Requote(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), amount)
	if err != nil {
		writeError(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, sess)
}

// decodeOptional decodes and validates a body that may be empty
func decodeOptional(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return api.Validate.Struct(v)
}

// writeError maps service errors onto responses. Users see a fixed message
// for expired quotes and amount mismatches.
func writeError(w http.ResponseWriter, err error) {
	switch deposit.KindOf(err) {
	case deposit.KindValidation:
		api.ValidationError(w, err)
	case deposit.KindTemporal:
		api.Gone(w, "quote expired, start a new deposit")
	case deposit.KindNotFound:
		api.NotFound(w, "session not found")
	case deposit.KindTransient:
		api.ServiceUnavailable(w, "temporarily unavailable, try again shortly")
	case deposit.KindConsistency:
		switch {
		case errors.Is(err, deposit.ErrAmountMismatch):
			api.Conflict(w, "amount mismatch, contact support")
		case errors.Is(err, deposit.ErrStaleRate):
			api.ServiceUnavailable(w, "exchange rate unavailable, try again shortly")
		default:
			api.Conflict(w, err.Error())
		}
	default:
		api.InternalError(w, "internal error")
	}
}
