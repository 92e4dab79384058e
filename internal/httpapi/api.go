package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"livingrosary.org/internal/auth"
	"livingrosary.org/internal/mystery"
	"livingrosary.org/internal/obs"
	"livingrosary.org/internal/rotation"
	"livingrosary.org/internal/schedule"
)

const serviceName = "livingrosary-api"

// Pinger is implemented by the SQL stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports whether the backing store answers.
type ReadyProbe struct {
	DB Pinger
}

// Check pings the store. A probe without a store is always ready.
func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.Ping(ctx)
}

// Rotations runs rotation batches.
type Rotations interface {
	RotateAll(ctx context.Context) (rotation.Result, error)
	RotateGroup(ctx context.Context, groupID string) (rotation.Result, error)
}

// Scheduler is the part of the schedule trigger the API drives and reports on.
type Scheduler interface {
	RunManual(ctx context.Context, source string, job rotation.Job) (rotation.Result, error)
	Status() schedule.Status
}

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Store      rotation.Store
	Catalog    *mystery.Catalog
	Rotator    Rotations
	Dispatcher *rotation.Dispatcher
	Scheduler  Scheduler
	Signer     *auth.Signer
	Ready      ReadyProbe
	Version    string
	Logger     *zap.Logger
	Now        func() time.Time

	RateBurst      int
	RatePerSec     float64
	MaxBodyBytes   int64
	AllowedOrigins []string
}

// API is the HTTP layer.
type API struct {
	store      rotation.Store
	catalog    *mystery.Catalog
	rotator    Rotations
	dispatcher *rotation.Dispatcher
	scheduler  Scheduler
	signer     *auth.Signer
	readyProbe ReadyProbe
	version    string
	log        *zap.Logger
	now        func() time.Time

	rateBurst      int
	ratePerSec     float64
	maxBodyBytes   int64
	allowedOrigins []string
}

// New builds the API. Missing rate limit settings get permissive defaults.
func New(d Deps) *API {
	a := &API{
		store:          d.Store,
		catalog:        d.Catalog,
		rotator:        d.Rotator,
		dispatcher:     d.Dispatcher,
		scheduler:      d.Scheduler,
		signer:         d.Signer,
		readyProbe:     d.Ready,
		version:        d.Version,
		log:            d.Logger,
		now:            d.Now,
		rateBurst:      d.RateBurst,
		ratePerSec:     d.RatePerSec,
		maxBodyBytes:   d.MaxBodyBytes,
		allowedOrigins: d.AllowedOrigins,
	}
	if a.log == nil {
		a.log = obs.Logger()
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.catalog == nil {
		a.catalog = mystery.Default()
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 10
	}
	if a.maxBodyBytes <= 0 {
		a.maxBodyBytes = 1 << 20
	}
	return a
}

// Handler returns the routed, instrumented handler for the HTTP server.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		RequestID,
		LoggingJSON(a.log),
		SecurityHeaders,
		CORS(a.allowedOrigins),
		func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) },
		MaxBodyBytes(a.maxBodyBytes),
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(a.withAuth)

		pr.Get("/v1/mysteries", a.listMysteries)
		pr.Get("/v1/mysteries/{mysteryID}", a.getMystery)
		pr.Get("/v1/schedule", a.scheduleStatus)

		pr.Get("/v1/memberships/{membershipID}/mystery", a.currentMystery)
		pr.Get("/v1/memberships/{membershipID}/history", a.membershipHistory)
		pr.Post("/v1/memberships/{membershipID}/confirm", a.confirmMystery)

		pr.Group(func(ar chi.Router) {
			ar.Use(RequireRole(auth.RoleAdmin))
			ar.Post("/v1/rotations", a.rotateAll)
			ar.Post("/v1/groups/{groupID}/rotations", a.rotateGroup)
		})
	})

	return obs.Instrument(r)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      serviceName,
		"time":      a.now().UTC().Format(time.RFC3339),
		"version":   a.version,
		"mysteries": a.catalog.Len(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// decodeJSON reads exactly one JSON value. An empty body is allowed when
// optional is true.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	if r.Body == nil {
		if optional {
			return nil
		}
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
