package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/storekit/go-shop-settlement/internal/metrics"
	"github.com/storekit/go-shop-settlement/internal/orders"
	"github.com/storekit/go-shop-settlement/internal/redisx"
)

type OrdersHandler struct {
	Repo        *orders.Repo
	Settler     *orders.Settler
	Redis       *redis.Client
	Metrics     *metrics.Settlement
	ShippingFee int64
	Service     string
}

type PrepareReq struct {
	IdempotencyKey string             `json:"idempotency_key"`
	UserID         string             `json:"user_id"`
	Recipient      string             `json:"recipient"`
	Phone          string             `json:"phone"`
	Address        string             `json:"address"`
	PostalCode     string             `json:"postal_code"`
	Items          []orders.LineInput `json:"items"`
	CouponID       string             `json:"coupon_id,omitempty"`
	Mileage        int64              `json:"mileage"`
}

type PrepareResp struct {
	PaymentID   string `json:"payment_id"`
	OrderID     string `json:"order_id"`
	TotalAmount int64  `json:"total_amount"`
	Idempotent  bool   `json:"idempotent"`
}

type CompleteReq struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	TxID      string `json:"tx_id"`
	IsSuccess bool   `json:"is_success"`
}

type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Post("/order/prepare", h.prepareOrder)
	r.Post("/order/complete", h.completeOrder)
	r.Post("/order/{id}/cancel", h.cancelOrder)
	r.Get("/order/{id}", h.getOrder)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), Result{Success: false, Message: err.Error()})
}

// statusFor maps the error taxonomy onto HTTP codes. Anything unrecognized is
// an internal error and keeps its detail server-side.
func statusFor(err error) int {
	switch {
	// a failed compensation dominates whatever caused the abort
	case errors.Is(err, orders.ErrCompensationFailed):
		return http.StatusInternalServerError
	case errors.Is(err, orders.ErrProductNotFound),
		errors.Is(err, orders.ErrOrderNotFound),
		errors.Is(err, orders.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrInvalidLineItem),
		errors.Is(err, orders.ErrInvalidOrUsedCoupon),
		errors.Is(err, orders.ErrMinimumOrderNotMet),
		errors.Is(err, orders.ErrInsufficientMileage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orders.ErrInsufficientStock),
		errors.Is(err, orders.ErrOrderNotEligible):
		return http.StatusConflict
	case errors.Is(err, orders.ErrPaymentVerificationFailed):
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "settled"
	case errors.Is(err, orders.ErrCompensationFailed):
		return "compensation_failed"
	case errors.Is(err, orders.ErrOrderNotEligible):
		return "not_eligible"
	case errors.Is(err, orders.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, orders.ErrPaymentVerificationFailed):
		return "verification_failed"
	default:
		return "aborted"
	}
}

func (h *OrdersHandler) prepareOrder(w http.ResponseWriter, r *http.Request) {
	var req PrepareReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Result{Success: false, Message: "invalid json"})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	if req.IdempotencyKey == "" || req.UserID == "" || len(req.Items) == 0 ||
		req.Recipient == "" || req.Address == "" {
		writeJSON(w, http.StatusBadRequest, Result{Success: false, Message: "missing fields"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Redis holds a fast-path hint for retried keys; the DB upsert remains
	// the source of truth either way, so a cache miss costs nothing.
	idemKey := fmt.Sprintf(redisx.KeyIdemPrepare, req.IdempotencyKey)
	_, _ = redisx.Exists(ctx, h.Redis, idemKey)

	res, err := h.Repo.PrepareOrder(ctx, orders.PrepareInput{
		PaymentID:   req.IdempotencyKey,
		UserID:      req.UserID,
		Recipient:   req.Recipient,
		Phone:       req.Phone,
		Address:     req.Address,
		PostalCode:  req.PostalCode,
		Items:       req.Items,
		CouponID:    req.CouponID,
		Mileage:     req.Mileage,
		ShippingFee: h.ShippingFee,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	_ = h.Redis.Set(ctx, idemKey, res.OrderID, redisx.TTLIdempotency).Err()
	statusKey := fmt.Sprintf(redisx.KeyOrderStatus, res.OrderID)
	_ = h.Redis.Set(ctx, statusKey, `{"status":"prepare"}`, redisx.TTLStatusCache).Err()

	writeJSON(w, http.StatusOK, PrepareResp{
		PaymentID:   res.PaymentID,
		OrderID:     res.OrderID,
		TotalAmount: res.TotalAmount,
		Idempotent:  res.Idempotent,
	})
}

func (h *OrdersHandler) completeOrder(w http.ResponseWriter, r *http.Request) {
	var req CompleteReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Result{Success: false, Message: "invalid json"})
		return
	}
	if req.OrderID == "" || req.PaymentID == "" {
		writeJSON(w, http.StatusBadRequest, Result{Success: false, Message: "missing fields"})
		return
	}

	// generous budget: provider lookup plus the settlement transaction
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if !req.IsSuccess {
		// client reports the payment step itself failed; park the draft
		if err := h.Repo.CancelPrepared(ctx, req.OrderID, req.PaymentID); err != nil {
			writeErr(w, err)
			return
		}
		h.cacheStatus(ctx, req.OrderID, orders.StatusCancel)
		writeJSON(w, http.StatusOK, Result{Success: true, Message: "order cancelled"})
		return
	}

	if req.TxID == "" {
		writeJSON(w, http.StatusBadRequest, Result{Success: false, Message: "missing fields"})
		return
	}

	start := time.Now()
	err := h.Settler.Complete(ctx, req.OrderID, req.PaymentID, req.TxID)
	if h.Metrics != nil {
		h.Metrics.CompleteSeconds.Observe(time.Since(start).Seconds())
		h.Metrics.Completions.WithLabelValues(outcomeLabel(err)).Inc()
		if err != nil && !errors.Is(err, orders.ErrOrderNotEligible) {
			result := "cancelled"
			if errors.Is(err, orders.ErrCompensationFailed) {
				result = "failed"
			}
			h.Metrics.Compensations.WithLabelValues(result).Inc()
		}
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	h.cacheStatus(ctx, req.OrderID, orders.StatusPending)
	writeJSON(w, http.StatusOK, Result{Success: true, Message: "order settled"})
}

// cancelOrder unwinds a settled order before it ships. Drafts still in
// prepare are cancelled through /order/complete with is_success=false.
func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeJSON(w, http.StatusBadRequest, Result{Success: false, Message: "missing id"})
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by request"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := h.Settler.CancelSettled(ctx, orderID, req.Reason); err != nil {
		writeErr(w, err)
		return
	}
	h.cacheStatus(ctx, orderID, orders.StatusCancel)
	writeJSON(w, http.StatusOK, Result{Success: true, Message: "order cancelled"})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeJSON(w, http.StatusBadRequest, Result{Success: false, Message: "missing id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
		writeJSON(w, http.StatusOK, json.RawMessage(s))
		return
	}

	status, err := h.Repo.GetOrderStatus(ctx, orderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	body, _ := json.Marshal(map[string]any{"status": status})
	_ = h.Redis.Set(ctx, key, body, redisx.TTLStatusCache).Err()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *OrdersHandler) cacheStatus(ctx context.Context, orderID string, s orders.Status) {
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	body, _ := json.Marshal(map[string]any{"status": s})
	_ = h.Redis.Set(ctx, key, body, redisx.TTLStatusCache).Err()
}
