package watcher

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"depositflow/internal/common/api"
	"depositflow/internal/common/money"
	"depositflow/internal/deposit"
)

// SettlementSubject is the broker subject settlement signals arrive on
const SettlementSubject = "settlement.observed"

// SettlementSignal is a confirmed transfer pushed by the rail, either as a
// broker message or a webhook call.
type SettlementSignal struct {
	Memo       string          `json:"memo" validate:"required"`
	Address    string          `json:"address"`
	Reference  string          `json:"reference" validate:"required"`
	Amount     decimal.Decimal `json:"amount"`
	Asset      money.Asset     `json:"asset" validate:"required"`
	ObservedAt time.Time       `json:"observed_at"`
}

func (s SettlementSignal) observation() deposit.Observation {
	return deposit.Observation{
		Status:     deposit.ObservationConfirmed,
		Reference:  s.Reference,
		Amount:     money.New(s.Amount, s.Asset),
		ObservedAt: s.ObservedAt,
	}
}

// Confirmer applies a confirmed settlement to the session owning a memo
type Confirmer interface {
	ConfirmByMemo(ctx context.Context, memo string, obs deposit.Observation) (*deposit.Session, error)
}

var signalValidator = validator.New()

// SignalHandler applies pushed settlement signals.
type SignalHandler struct {
	confirmer Confirmer
	token     string
	logger    *slog.Logger
}

// NewSignalHandler creates a handler. A non-empty token is required on
// webhook calls as X-Webhook-Token.
func NewSignalHandler(confirmer Confirmer, token string, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{confirmer: confirmer, token: token, logger: logger}
}

// Handle applies one signal. It returns invalid-signal, unknown-memo and
// transient errors. Any other outcome is final and already recorded on the
// session.
func (h *SignalHandler) Handle(ctx context.Context, sig SettlementSignal) error {
	if err := signalValidator.Struct(sig); err != nil {
		return fmt.Errorf("%w: %w", deposit.ErrInvalidRequest, err)
	}
	if !sig.Amount.IsPositive() {
		return fmt.Errorf("%w: non-positive amount", deposit.ErrInvalidRequest)
	}

	sess, err := h.confirmer.ConfirmByMemo(ctx, sig.Memo, sig.observation())
	switch kind := deposit.KindOf(err); {
	case err == nil:
		h.logger.Info("settlement signal applied",
			"session_id", sess.ID,
			"reference", sig.Reference,
			"state", sess.State,
		)
		return nil
	case errors.Is(err, deposit.ErrSessionNotFound):
		h.logger.Warn("settlement signal for unknown memo",
			"memo", sig.Memo,
			"reference", sig.Reference,
			"amount", sig.Amount.String(),
			"asset", sig.Asset,
		)
		return err
	case kind == deposit.KindTransient || kind == deposit.KindUnknown:
		return err
	default:
		h.logger.Warn("settlement signal rejected",
			"memo", sig.Memo,
			"reference", sig.Reference,
			"kind", kind.String(),
			"error", err,
		)
		return nil
	}
}

// HandleMessage consumes a broker message. Malformed payloads and unknown
// memos are dropped; transient failures are returned for redelivery.
func (h *SignalHandler) HandleMessage(ctx context.Context, subject string, data []byte) error {
	var sig SettlementSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		h.logger.Error("dropping malformed settlement signal", "subject", subject, "error", err)
		return nil
	}

	err := h.Handle(ctx, sig)
	switch {
	case err == nil, errors.Is(err, deposit.ErrSessionNotFound):
		return nil
	case errors.Is(err, deposit.ErrInvalidRequest):
		h.logger.Error("dropping invalid settlement signal", "subject", subject, "error", err)
		return nil
	default:
		return err
	}
}

// ServeHTTP handles POST /webhooks/settlement
func (h *SignalHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.token != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Webhook-Token")), []byte(h.token)) != 1 {
		api.Unauthorized(w, "invalid webhook token")
		return
	}

	var sig SettlementSignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		api.BadRequest(w, "invalid json")
		return
	}

	if err := h.Handle(r.Context(), sig); err != nil {
		switch {
		case errors.Is(err, deposit.ErrInvalidRequest):
			api.ValidationError(w, err)
		case errors.Is(err, deposit.ErrSessionNotFound):
			api.NotFound(w, "no session for memo")
		default:
			h.logger.Error("settlement webhook failed", "memo", sig.Memo, "error", err)
			api.ServiceUnavailable(w, "try again later")
		}
		return
	}

	api.WriteData(w, http.StatusOK, map[string]string{"status": "ok"})
}
