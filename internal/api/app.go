package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-clinic/internal/appointment"
	"github.com/npezzotti/go-clinic/internal/config"
	"github.com/npezzotti/go-clinic/internal/database"
	"github.com/npezzotti/go-clinic/internal/server"
)

type GoClinicApp struct {
	log            *log.Logger
	db             database.GoClinicRepository
	appts          *appointment.Service
	relay          *server.Relay
	mux            *http.Server
	signingKey     []byte
	allowedOrigins []string
	validate       *validator.Validate
	now            func() time.Time
}

func NewGoClinicApp(mux *http.ServeMux, logger *log.Logger, relay *server.Relay, db database.GoClinicRepository, appts *appointment.Service, cfg *config.Config) *GoClinicApp {
	s := &GoClinicApp{
		log:            logger,
		db:             db,
		appts:          appts,
		relay:          relay,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		now:            time.Now,
	}

	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("GET /api/appointments", s.authMiddleware(s.listAppointments))
	mux.HandleFunc("POST /api/appointments", s.authMiddleware(s.bookAppointment))
	mux.HandleFunc("GET /api/appointments/{id}", s.authMiddleware(s.getAppointment))
	mux.HandleFunc("PUT /api/appointments/{id}/status", s.authMiddleware(s.updateAppointmentStatus))
	mux.HandleFunc("POST /api/appointments/{id}/cancel", s.authMiddleware(s.cancelAppointment))
	mux.HandleFunc("GET /api/appointments/{id}/messages", s.authMiddleware(s.getMessages))
	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))
	mux.HandleFunc("GET /healthz", s.healthCheck)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", requestIdHeader}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)
	h = s.requestIdMiddleware(h)
	h = handlers.CombinedLoggingHandler(logger.Writer(), h)

	s.mux = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *GoClinicApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *GoClinicApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
