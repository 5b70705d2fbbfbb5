package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"llmready/internal/config"
	"llmready/internal/logging"
	"llmready/internal/reconcile"
	"llmready/internal/refund"
	"llmready/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	svc        *services.Service
	reconciler *reconcile.Reconciler
	refunds    *refund.Service
	cfg        config.Config
}

func NewServer(cfg config.Config, svc *services.Service, reconciler *reconcile.Reconciler, refunds *refund.Service) *Server {
	return &Server{svc: svc, reconciler: reconciler, refunds: refunds, cfg: cfg}
}

// requestContext carries chi's request id into the logging context.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := logging.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				logging.FromContext(r.Context()).Error().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("panic", fmt.Sprint(rvr)).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered")
				if r.Header.Get("Connection") != "Upgrade" {
					respondError(w, http.StatusInternalServerError, errors.New("internal server error"))
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			logging.FromContext(r.Context()).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("Request handled")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestContext)
	r.Use(loggingRecoverer)
	r.Use(requestLogger)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/signup", s.handleSignup)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/webhooks/stripe", s.handleStripeWebhook)
		r.Get("/plans", s.handleListPlans)

		r.Group(func(r chi.Router) {
			r.Use(s.jwtMiddleware)

			r.Get("/users/me", s.handleGetMe)
			r.Delete("/users/me", s.handleDeleteMe)

			r.Get("/subscription", s.handleGetSubscription)
			r.Get("/subscription/usage", s.handleUsageStats)
			r.Get("/subscription/quota", s.handleCheckQuota)
			r.Post("/subscription/usage", s.handleStartGeneration)
			r.Post("/subscription/websites", s.handleAddWebsite)
			r.Delete("/subscription/websites", s.handleRemoveWebsite)
			r.Post("/generations/{id}/complete", s.handleFinishGeneration)
			r.Post("/subscription/checkout", s.handleCheckout)

			r.Get("/refunds/calculate", s.handleCalculateRefund)
			r.Post("/refunds/cancel-subscription", s.handleCancelWithRefund)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.jwtMiddleware)
			r.Use(s.adminMiddleware)

			r.Get("/users/{id}/subscription", s.handleAdminGetSubscription)
			r.Post("/subscriptions/sync", s.handleAdminSync)
		})
	})
	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origin := s.cfg.FrontendURL
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, errors.New("email and password are required"))
		return
	}
	user, err := s.svc.CreateUser(r.Context(), req.Email, req.Password, req.FullName)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, userResponse(user.ID, user.Email, user.FullName, user.Role))
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, errors.New("email and password are required"))
		return
	}

	user, err := s.svc.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	token, err := s.generateJWT(user.ID, user.Email, user.Role)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  userResponse(user.ID, user.Email, user.FullName, user.Role),
	})
}

func userResponse(id int64, email, name, role string) map[string]any {
	return map[string]any{"id": id, "email": email, "full_name": name, "role": role}
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.svc.GetUserByID(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, userResponse(user.ID, user.Email, user.FullName, user.Role))
}

func (s *Server) handleDeleteMe(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteUser(r.Context(), getUserIDFromContext(r.Context())); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.svc.GetSubscription(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, subscriptionResponse(sub))
}

func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.UsageStats(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCheckQuota(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.CheckGenerationQuota(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

type checkoutRequest struct {
	PlanType        string `json:"plan_type"`
	BillingInterval string `json:"billing_interval"`
	SuccessURL      string `json:"success_url"`
	CancelURL       string `json:"cancel_url"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	session, err := s.svc.StartCheckout(r.Context(), getUserIDFromContext(r.Context()), services.CheckoutInput{
		PlanTier:        req.PlanType,
		BillingInterval: req.BillingInterval,
		SuccessURL:      req.SuccessURL,
		CancelURL:       req.CancelURL,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"session_id": session.ID, "checkout_url": session.URL})
}

func (s *Server) handleAdminGetSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	sub, err := s.svc.GetSubscription(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, subscriptionResponse(sub))
}

func (s *Server) handleAdminSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.SyncStripeSubscriptions(r.Context())
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound), errors.Is(err, refund.ErrNoSubscription):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, services.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, err)
	case errors.Is(err, services.ErrForbidden):
		respondError(w, http.StatusForbidden, err)
	case errors.Is(err, services.ErrEmailTaken), errors.Is(err, services.ErrAlreadySubscribed),
		errors.Is(err, services.ErrGenerationFinished):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, services.ErrQuotaExceeded), errors.Is(err, services.ErrWebsiteLimit):
		respondError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, refund.ErrFreePlan), errors.Is(err, refund.ErrOutsideWindow),
		errors.Is(err, refund.ErrUsageNotAcknowledged):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, refund.ErrRefundFailed), errors.Is(err, refund.ErrPaymentInfo):
		logging.FromContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Billing provider call failed")
		respondError(w, http.StatusBadGateway, err)
	case errors.Is(err, services.ErrStripeNotConfigured):
		respondError(w, http.StatusServiceUnavailable, err)
	default:
		logging.FromContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Internal server error")
		respondError(w, http.StatusInternalServerError, errors.New("internal server error"))
	}
}

func parseID(raw string) (int64, error) {
	if raw == "" {
		return 0, errors.New("id is required")
	}
	return strconv.ParseInt(raw, 10, 64)
}
