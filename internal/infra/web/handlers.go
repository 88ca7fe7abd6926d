package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"ai-saas-billing/internal/domain"
	"ai-saas-billing/internal/domain/model"
	port "ai-saas-billing/internal/domain/ports/adapter"
	"ai-saas-billing/internal/infra/metrics"
	"ai-saas-billing/internal/usecase"
)

// maxWebhookBody bounds webhook payload reads. Stripe events are a few KB;
// 1 MiB leaves generous headroom.
const maxWebhookBody = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// signatureHeader names the provider-specific webhook signature header.
func signatureHeader(provider string) string {
	switch provider {
	case "creem":
		return "creem-signature"
	default:
		return "stripe-signature"
	}
}

func (s *Server) handleWebhookLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"provider": s.paymentSvc.Provider(),
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	signature := r.Header.Get(signatureHeader(s.paymentSvc.Provider()))
	if signature == "" {
		writeError(w, http.StatusBadRequest, "missing signature header")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if err := s.paymentSvc.HandleWebhookEvent(r.Context(), payload, signature); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSignature):
			writeError(w, http.StatusBadRequest, "invalid signature")
		case errors.Is(err, domain.ErrMissingMetadata), errors.Is(err, domain.ErrInvalidArgument):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger(r).Error().Err(err).Msg("webhook processing failed")
			writeError(w, http.StatusInternalServerError, "webhook processing failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

type checkoutRequest struct {
	PlanID     string            `json:"planId"`
	PriceID    string            `json:"priceId"`
	Email      string            `json:"email"`
	SuccessURL string            `json:"successUrl"`
	CancelURL  string            `json:"cancelUrl"`
	Metadata   map[string]string `json:"metadata"`
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.PlanID == "" || req.PriceID == "" {
		writeError(w, http.StatusBadRequest, "planId and priceId are required")
		return
	}

	metadata := map[string]string{"userId": userID}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["userId"] = userID // never trust a client-supplied userId

	result, err := s.paymentSvc.CreateCheckout(r.Context(), port.CreateCheckoutParams{
		PlanID:     req.PlanID,
		PriceID:    req.PriceID,
		Email:      req.Email,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		Metadata:   metadata,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrPlanNotFound), errors.Is(err, domain.ErrPriceNotFound),
			errors.Is(err, domain.ErrInvalidArgument):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger(r).Error().Err(err).Str("plan_id", req.PlanID).Msg("create checkout failed")
			writeError(w, http.StatusInternalServerError, "could not create checkout session")
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	subs, err := s.paymentSvc.GetSubscriptionsByUserID(r.Context(), userID)
	if err != nil {
		s.logger(r).Error().Err(err).Msg("list subscriptions failed")
		writeError(w, http.StatusInternalServerError, "could not list subscriptions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"subscriptions": subs})
}

func (s *Server) handleCreditHistory(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 20)
	days := queryInt(r, "days", 0)

	history, err := s.creditUC.GetHistory(r.Context(), userID, page, limit, days)
	if err != nil {
		s.logger(r).Error().Err(err).Msg("credit history failed")
		writeError(w, http.StatusInternalServerError, "could not fetch credit history")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleCreditBalance(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	balance, err := s.creditUC.GetBalance(r.Context(), userID)
	if err != nil {
		s.logger(r).Error().Err(err).Msg("credit balance failed")
		writeError(w, http.StatusInternalServerError, "could not fetch balance")
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

type spendRequest struct {
	Credits     int64  `json:"credits"`
	CreditsType string `json:"creditsType"`
	Description string `json:"description"`
}

// handleSpendCredits deducts from the authenticated user's balance. Called by
// the feature services that meter AI usage.
func (s *Server) handleSpendCredits(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req spendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	result, err := s.creditUC.DecreaseCredits(r.Context(), usecase.DecreaseCreditsParams{
		UserID:      userID,
		Credits:     req.Credits,
		CreditsType: model.CreditsType(req.CreditsType),
		Description: req.Description,
	})
	if err != nil {
		var insufficient *domain.InsufficientCreditsError
		switch {
		case errors.As(err, &insufficient):
			metrics.IncInsufficientCredits()
			writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
				"error":     "insufficient credits",
				"required":  insufficient.Required,
				"available": insufficient.Available,
			})
		case errors.Is(err, domain.ErrInvalidArgument):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrLockNotAcquired):
			writeError(w, http.StatusConflict, "another spend is in progress, retry")
		default:
			s.logger(r).Error().Err(err).Msg("spend credits failed")
			writeError(w, http.StatusInternalServerError, "could not spend credits")
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleRegistrationBonus grants the one-time signup bonus to the token
// subject. Repeat calls are safe and report granted=false.
func (s *Server) handleRegistrationBonus(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	result, err := s.creditUC.GrantRegistrationBonus(r.Context(), userID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger(r).Error().Err(err).Msg("registration bonus failed")
		writeError(w, http.StatusInternalServerError, "could not grant registration bonus")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
