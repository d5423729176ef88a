package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"facebook-post-scheduler/internal/config"
	"facebook-post-scheduler/internal/dispatch"
	"facebook-post-scheduler/internal/health"
	"facebook-post-scheduler/internal/models"
	"facebook-post-scheduler/internal/ratelimit"
	"facebook-post-scheduler/internal/runlock"
	"facebook-post-scheduler/internal/store"
	"facebook-post-scheduler/internal/telemetry"
	"facebook-post-scheduler/internal/timeutil"
)

// ScheduleStore is the slice of the store the HTTP layer needs.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, p store.CreateScheduleParams) (models.Schedule, error)
	GetSchedule(ctx context.Context, id string) (models.Schedule, error)
	ListByOwner(ctx context.Context, ownerID, status string, limit, offset int) ([]models.Schedule, error)
	Cancel(ctx context.Context, id string) error
	UpdateScheduledTime(ctx context.Context, id string, scheduledFor time.Time) error
	ListDeliveryLogs(ctx context.Context, scheduleID string, limit int) ([]models.DeliveryLog, error)
}

// Dispatcher runs one dispatch batch.
type Dispatcher interface {
	Run(ctx context.Context) (dispatch.RunSummary, error)
}

// HealthChecker reports on overdue pending schedules.
type HealthChecker interface {
	CheckHealth(ctx context.Context, thresholdMinutes int) (health.Report, error)
}

// Limiter gates schedule creation per owner.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// RunLock bounds overlapping dispatch runs.
type RunLock interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// Server wires HTTP handlers for the schedule API and the cron trigger.
type Server struct {
	cfg        config.Config
	store      ScheduleStore
	dispatcher Dispatcher
	monitor    HealthChecker
	limiter    Limiter
	lock       RunLock
	now        func() time.Time
}

// New constructs the API server. limiter and lock may be nil when the
// deployment has no Redis.
func New(cfg config.Config, st ScheduleStore, d Dispatcher, m HealthChecker, limiter Limiter, lock RunLock) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		dispatcher: d,
		monitor:    m,
		limiter:    limiter,
		lock:       lock,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/schedules", s.handleCreate)
	r.Get("/schedules", s.handleList)
	r.Get("/schedules/{id}", s.handleGet)
	r.Patch("/schedules/{id}", s.handleReschedule)
	r.Post("/schedules/{id}/cancel", s.handleCancel)
	r.Get("/schedules/{id}/deliveries", s.handleDeliveries)

	r.Get("/cron/dispatch", s.handleTrigger)
	r.Get("/health/schedules", s.handleHealth)
	return r
}

type createRequest struct {
	OwnerID        string                 `json:"owner_id"`
	ReviewID       string                 `json:"review_id"`
	ScheduledDate  string                 `json:"scheduled_date"`
	ScheduledTime  string                 `json:"scheduled_time"`
	TargetType     string                 `json:"target_type"`
	TargetID       string                 `json:"target_id"`
	TargetName     string                 `json:"target_name"`
	Message        string                 `json:"message"`
	LandingPageURL string                 `json:"landing_page_url"`
	AffiliateLinks []models.AffiliateLink `json:"affiliate_links"`
	Snapshot       models.ReviewSnapshot  `json:"snapshot"`
	MaxRetries     int                    `json:"max_retries"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" || req.ReviewID == "" || req.TargetID == "" || req.Message == "" {
		http.Error(w, "owner_id, review_id, target_id and message are required", http.StatusBadRequest)
		return
	}
	if req.TargetType != models.TargetPage && req.TargetType != models.TargetGroup {
		http.Error(w, "target_type must be page or group", http.StatusBadRequest)
		return
	}

	scheduledFor, err := timeutil.ToStorageInstant(req.ScheduledDate, req.ScheduledTime)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !scheduledFor.After(s.now()) {
		http.Error(w, "scheduled time must be in the future", http.StatusBadRequest)
		return
	}

	// A negative budget would make retry_count < max_retries never hold and
	// silently disable retries.
	if req.MaxRetries < 0 {
		http.Error(w, "max_retries must not be negative", http.StatusBadRequest)
		return
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = s.cfg.MaxRetries
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.OwnerKey(req.OwnerID))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	sched, err := s.store.CreateSchedule(r.Context(), store.CreateScheduleParams{
		OwnerID:        req.OwnerID,
		ReviewID:       req.ReviewID,
		ScheduledFor:   scheduledFor,
		Timezone:       timeutil.DisplayZoneName,
		TargetType:     req.TargetType,
		TargetID:       req.TargetID,
		TargetName:     req.TargetName,
		Message:        req.Message,
		LandingPageURL: req.LandingPageURL,
		AffiliateLinks: req.AffiliateLinks,
		Snapshot:       req.Snapshot,
		MaxRetries:     req.MaxRetries,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	schedules, err := s.store.ListByOwner(r.Context(), ownerID, r.URL.Query().Get("status"), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if schedules == nil {
		schedules = []models.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sched, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "schedule not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

type rescheduleRequest struct {
	ScheduledDate string `json:"scheduled_date"`
	ScheduledTime string `json:"scheduled_time"`
}

func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	scheduledFor, err := timeutil.ToStorageInstant(req.ScheduledDate, req.ScheduledTime)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !scheduledFor.After(s.now()) {
		http.Error(w, "scheduled time must be in the future", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	sched, err := s.store.GetSchedule(r.Context(), id)
	if failed := s.writeTransitionError(w, err); failed {
		return
	}
	if sched.Terminal() {
		http.Error(w, "schedule is already finalized", http.StatusConflict)
		return
	}

	err = s.store.UpdateScheduledTime(r.Context(), id, scheduledFor)
	if failed := s.writeTransitionError(w, err); failed {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":        "rescheduled",
		"scheduled_for": scheduledFor.Format(time.RFC3339),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.store.Cancel(r.Context(), chi.URLParam(r, "id"))
	if failed := s.writeTransitionError(w, err); failed {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := s.store.ListDeliveryLogs(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []models.DeliveryLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": logs})
}

// handleTrigger is the cron entrypoint: authenticate, take the run lock,
// execute one dispatch batch, and report the summary. A zero-work run is
// still a 200.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !s.authorizedTrigger(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if s.lock != nil {
		if err := s.lock.Acquire(r.Context()); err != nil {
			if errors.Is(err, runlock.ErrLockHeld) {
				writeJSON(w, http.StatusOK, map[string]any{"skipped": true, "reason": "dispatch already running"})
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer func() {
			// The request context dies when the client disconnects; the
			// release must still reach Redis or the lock strands until TTL.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.lock.Release(releaseCtx); err != nil {
				log.Printf("api: release run lock: %v", err)
			}
		}()
	}

	telemetry.TriggerRuns.Inc()
	ctx := r.Context()
	if s.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DispatchTimeout)
		defer cancel()
	}

	summary, err := s.dispatcher.Run(ctx)
	if err != nil {
		log.Printf("api: dispatch run: %v", err)
		http.Error(w, "dispatch run failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// authorizedTrigger accepts either the shared cron secret or a trusted
// originating-platform header. An empty configured secret leaves the
// endpoint open for local development.
func (s *Server) authorizedTrigger(r *http.Request) bool {
	if s.cfg.CronSecret == "" && s.cfg.TrustedTrigger == "" {
		return true
	}
	if s.cfg.CronSecret != "" {
		header := r.Header.Get("X-Cron-Secret")
		if header != "" && subtle.ConstantTimeCompare([]byte(header), []byte(s.cfg.CronSecret)) == 1 {
			return true
		}
	}
	if s.cfg.TrustedTrigger != "" && r.Header.Get("X-Trigger-Platform") == s.cfg.TrustedTrigger {
		return true
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	threshold := 30
	if s.cfg.OverdueThreshold > 0 {
		threshold = int(s.cfg.OverdueThreshold.Minutes())
	}
	if v := r.URL.Query().Get("threshold"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			http.Error(w, "threshold must be a non-negative integer", http.StatusBadRequest)
			return
		}
		threshold = parsed
	}
	report, err := s.monitor.CheckHealth(r.Context(), threshold)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// writeTransitionError maps store errors onto status codes; returns true if
// a response was written.
func (s *Server) writeTransitionError(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "schedule not found", http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidStateTransition):
		http.Error(w, "schedule is not in a state that allows this change", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
