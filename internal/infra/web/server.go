package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"ai-saas-billing/internal/config"
	"ai-saas-billing/internal/usecase"
)

// Server exposes the billing HTTP API: the webhook endpoint, checkout
// creation, and the authenticated credit/subscription reads.
type Server struct {
	paymentSvc *usecase.PaymentService
	creditUC   usecase.CreditUseCase
	jwtSecret  string
	log        *zerolog.Logger

	srv *http.Server
}

func NewServer(cfg *config.Config, paymentSvc *usecase.PaymentService, creditUC usecase.CreditUseCase, logger *zerolog.Logger) *Server {
	s := &Server{
		paymentSvc: paymentSvc,
		creditUC:   creditUC,
		jwtSecret:  cfg.Auth.JWTSecret,
		log:        logger,
	}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.traceContext)
	r.Use(s.requestLog)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/payment", func(r chi.Router) {
			r.Post("/webhook", s.handleWebhook)
			r.Get("/webhook", s.handleWebhookLiveness)

			r.Group(func(r chi.Router) {
				r.Use(s.jwtAuth)
				r.Post("/checkout", s.handleCreateCheckout)
				r.Get("/subscriptions", s.handleListSubscriptions)
			})
		})

		r.Route("/credit", func(r chi.Router) {
			r.Use(s.jwtAuth)
			r.Get("/history", s.handleCreditHistory)
			r.Get("/balance", s.handleCreditBalance)
			r.Post("/spend", s.handleSpendCredits)
			r.Post("/registration-bonus", s.handleRegistrationBonus)
		})
	})

	return r
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
