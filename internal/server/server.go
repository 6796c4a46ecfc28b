// Package server exposes the browser-facing JSON API: auth, role
// assumption, cost data, and exports.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/spotsave/spotsave/internal/aws/cost"
	"github.com/spotsave/spotsave/internal/aws/ec2"
	stsclient "github.com/spotsave/spotsave/internal/aws/sts"
	"github.com/spotsave/spotsave/internal/retry"
	"github.com/spotsave/spotsave/internal/store"
)

const maxBodyBytes = 1 << 20

// UserStore is the user persistence the auth handlers need. Satisfied by
// *store.DB.
type UserStore interface {
	CreateUser(u store.User) error
	GetUserByUsername(username string) (*store.User, error)
	GetUserByID(id string) (*store.User, error)
}

// costProvider is the slice of the Cost Explorer client the handlers use.
type costProvider interface {
	GetCostAndUsage(ctx context.Context, startDate, endDate string) (*cost.CostSummary, error)
	GetCostForecast(ctx context.Context, startDate, endDate string) (*cost.ForecastSummary, error)
	GetRightsizingRecommendations(ctx context.Context) (*cost.RecommendationSummary, error)
}

type idleScanner interface {
	IdleResourceRecommendations(ctx context.Context) ([]cost.Recommendation, error)
}

// Server wires the HTTP API over the store, session manager, and AWS
// clients. Cost Explorer and EC2 clients are built per request from the
// caller's assumed credentials.
type Server struct {
	db       UserStore
	sessions *scs.SessionManager
	manager  *store.Manager
	assumer  store.Assumer
	log      logrus.FieldLogger
	now      func() time.Time
	region   string
	limiter  *ipRateLimiter

	// credentialTTL is the session duration requested from STS; zero lets
	// the STS client apply its default
	credentialTTL time.Duration

	// retryOpts tunes the assume-role retry wrapper; tests swap the sleep
	retryOpts retry.Options

	newCostClient  func(creds stsclient.Credentials) costProvider
	newIdleScanner func(creds stsclient.Credentials) idleScanner
}

// New builds a server. Per-IP limits are generous; the API sits behind a
// browser dashboard, not programmatic clients.
func New(db UserStore, sessions *scs.SessionManager, manager *store.Manager, assumer store.Assumer, region string, credentialTTL time.Duration, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		db:            db,
		sessions:      sessions,
		manager:       manager,
		assumer:       assumer,
		log:           log,
		now:           time.Now,
		region:        region,
		credentialTTL: credentialTTL,
		limiter:       newIPRateLimiter(rate.Limit(10), 30),
	}
	s.newCostClient = func(creds stsclient.Credentials) costProvider {
		return cost.NewClient(creds, s.log)
	}
	s.newIdleScanner = func(creds stsclient.Credentials) idleScanner {
		return ec2.NewClient(creds, s.region)
	}
	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.sessions.LoadAndSave(s.routes())
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(s.limiter.Limit)
	r.Use(s.requestLogger)

	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)

	r.Get("/api/policy/trust", s.handleTrustPolicy)
	r.Get("/api/policy/permissions", s.handlePermissionsPolicy)
	r.Get("/api/template", s.handleTemplate)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/api/auth/logout", s.handleLogout)

		r.Post("/api/aws/assume-role", s.handleAssumeRole)
		r.Post("/api/aws/costs", s.handleCosts)
		r.Post("/api/aws/forecast", s.handleForecast)
		r.Post("/api/aws/recommendations", s.handleRecommendations)
		r.Post("/api/aws/refresh", s.handleRefresh)

		r.Get("/api/aws/connection", s.handleConnectionStatus)
		r.Delete("/api/aws/connection", s.handleDisconnect)
		r.Post("/api/aws/connection/refresh", s.handleConnectionRefresh)

		r.Post("/api/export", s.handleExport)
	})

	return r
}

// requestLogger logs one line per request with the resolved status.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		}).Info("request")
	})
}

func readJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForAssumeError maps the role-assumption error taxonomy onto HTTP
// statuses: bad role 400, refused trust 403, everything else 500.
func statusForAssumeError(err error) int {
	switch {
	case errors.Is(err, stsclient.ErrInvalidRole):
		return http.StatusBadRequest
	case errors.Is(err, stsclient.ErrPermissionDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
