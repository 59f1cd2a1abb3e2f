package handlers

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	sentryhttp "github.com/getsentry/sentry-go/http"

	"licensegate.app/cloud/internal/auth"
	"licensegate.app/cloud/internal/consistency"
	"licensegate.app/cloud/internal/licensecode"
	"licensegate.app/cloud/internal/metrics"
	"licensegate.app/cloud/internal/ratelimit"
	"licensegate.app/cloud/internal/verification"
	"licensegate.app/cloud/internal/version"
	"licensegate.app/cloud/models"
	"licensegate.app/cloud/storage"
)

const maxBodyBytes = 1 << 20

// Options wires the collaborators of a Server. Nil fields get in-process
// defaults built on the server's storage.
type Options struct {
	APISecret        string
	SignatureMaxSkew time.Duration
	Version          string
	CORSOrigins      []string

	GeneralLimit ratelimit.RateLimit
	Failures     *ratelimit.FailureLimiter
	Verifier     *verification.Service
	Checker      *consistency.Checker
	Generator    *licensecode.Generator
	// Auth enables the admin API when set.
	Auth    *auth.Authenticator
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Server struct {
	Mux     *chi.Mux
	Storage storage.Storage

	opts      Options
	validate  *validator.Validate
	verifier  *verification.Service
	failures  *ratelimit.FailureLimiter
	checker   *consistency.Checker
	generator *licensecode.Generator
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewHttpServer(db storage.Storage, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Version == "" {
		opts.Version = version.Version
	}
	if opts.GeneralLimit == nil {
		opts.GeneralLimit = ratelimit.New(100, 15*time.Minute)
	}
	if opts.Failures == nil {
		opts.Failures = ratelimit.NewFailureLimiter(ratelimit.NewMemoryStore(), 5, time.Minute).WithClock(opts.Now)
	}
	if opts.Verifier == nil {
		opts.Verifier = verification.NewService(db, opts.Metrics).WithClock(opts.Now)
	}
	if opts.Checker == nil {
		opts.Checker = consistency.NewChecker(db, opts.Metrics).WithClock(opts.Now)
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	s := &Server{
		Mux:       chi.NewRouter(),
		Storage:   db,
		opts:      opts,
		validate:  validator.New(),
		verifier:  opts.Verifier,
		failures:  opts.Failures,
		checker:   opts.Checker,
		generator: opts.Generator,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.Mux
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", models.HeaderSignature, models.HeaderTimestamp},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))
	r.Use(s.observe)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		// The license endpoints apply the general limit themselves, after
		// reading the body, so their rejections can be audited.
		api.Post("/verify-license", s.VerifyLicense)
		api.Post("/check-license-status", s.CheckLicenseStatus)

		api.Group(func(limited chi.Router) {
			limited.Use(s.limitGeneral)
			limited.Get("/health", s.Health)

			if s.opts.Auth != nil {
				limited.Route("/admin", func(admin chi.Router) {
					admin.Use(s.opts.Auth.Middleware(auth.RoleAdmin))
					admin.Post("/licenses", s.CreateLicenses)
					admin.Get("/licenses", s.ListLicenses)
					admin.Get("/licenses/stats", s.LicenseStats)
					admin.Put("/licenses/{code}/status", s.UpdateLicenseStatus)
					admin.Get("/licenses/{code}/logs", s.LicenseLogs)
					admin.Post("/consistency-check", s.RunConsistencyCheck)
				})
			}
		})
	})
}

// observe records request latency by matched route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveRequest(route, status, time.Since(start))
	})
}

func (s *Server) limitGeneral(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.opts.GeneralLimit.Allow(clientIP(r)) {
			s.metrics.RateLimited("general")
			writeError(w, r, models.RateLimited(0))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the requester address; RealIP has already applied any
// forwarding headers.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
