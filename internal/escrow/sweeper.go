package escrow

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
)

// CronSecretHeader authenticates server-to-server expiry triggers.
const CronSecretHeader = "X-Cron-Secret"

// sweepTimeout bounds one expiry sweep.
const sweepTimeout = 30 * time.Second

// Sweeper runs the expiry sweep on a cron schedule.
type Sweeper struct {
	service  *Service
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewSweeper creates a sweeper. schedule is a cron spec ("@every 5m",
// "*/10 * * * *").
func NewSweeper(service *Service, schedule string, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{service: service, schedule: schedule, logger: logger}
}

// Start schedules the sweep. Returns an error for an invalid schedule spec.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, s.sweep)
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("expiry sweeper started", "schedule", s.schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	if _, err := s.service.ExpireStale(ctx, 0); err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
	}
}

// CronHandler exposes the sweep as an HTTP trigger for an external
// scheduler, authenticated by a shared secret header.
type CronHandler struct {
	service *Service
	secret  string
}

// NewCronHandler creates the sweep trigger handler.
func NewCronHandler(service *Service, secret string) *CronHandler {
	return &CronHandler{service: service, secret: secret}
}

// RegisterRoutes sets up the internal trigger route.
func (h *CronHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/expire", h.Expire)
}

type expireRequest struct {
	CutoffMinutes int `json:"cutoff_minutes"`
}

// Expire handles POST /internal/escrow/expire
func (h *CronHandler) Expire(c *gin.Context) {
	secret := c.GetHeader(CronSecretHeader)
	if h.secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(h.secret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "invalid cron secret"})
		return
	}

	var req expireRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	count, err := h.service.ExpireStale(c.Request.Context(), req.CutoffMinutes)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "expired_count": 0})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "expired_count": count})
}
