package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/airchains-network/donation-anchor/batch"
	"github.com/airchains-network/donation-anchor/batch/ledger"
	"github.com/airchains-network/donation-anchor/db"
	"github.com/airchains-network/donation-anchor/types"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Importer stores donation records handed over by the payment side.
type Importer interface {
	PutDonation(ctx context.Context, d *types.Donation) error
}

// Server exposes the admin control surface and public verification.
type Server struct {
	manager  *batch.Manager
	importer Importer
	policy   AccessPolicy
	hub      *Hub
	defaults batch.CreateOptions
	log      *logrus.Logger
}

// NewServer wires the handlers. defaults fill zero fields of create requests.
func NewServer(manager *batch.Manager, importer Importer, policy AccessPolicy, hub *Hub, defaults batch.CreateOptions, log *logrus.Logger) *Server {
	return &Server{
		manager:  manager,
		importer: importer,
		policy:   policy,
		hub:      hub,
		defaults: defaults,
		log:      log,
	}
}

// Handler builds the gin engine
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("[GIN] %s - %s %s %d %s\n",
				param.TimeStamp.Format("2006-01-02 15:04:05"),
				param.Method,
				param.Path,
				param.StatusCode,
				param.Latency,
			)
		},
		SkipPaths: []string{"/healthz"},
	}))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/v1/verify/:ref", s.verify)

	admin := r.Group("/v1/admin", s.requireAdmin)
	admin.POST("/donations", s.importDonations)
	admin.POST("/batches", s.createBatch)
	admin.GET("/batches", s.listBatches)
	admin.GET("/batches/:id", s.getBatch)
	admin.POST("/batches/:id/anchor", s.anchorBatch)
	admin.POST("/batches/:id/retry", s.retryBatch)
	admin.POST("/batches/:id/repair", s.repairBatch)
	if s.hub != nil {
		upgrader := newUpgrader()
		admin.GET("/events", func(c *gin.Context) {
			s.hub.serve(c, upgrader)
		})
	}

	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("Starting HTTP server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requireAdmin(c *gin.Context) {
	err := s.policy.Authorize(c.Request)
	switch {
	case err == nil:
		c.Next()
	case errors.Is(err, ErrAdminDisabled):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	}
}

type importRequest struct {
	Donations []types.Donation `json:"donations"`
}

type importFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func (s *Server) importDonations(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	imported := 0
	failures := []importFailure{}
	for i := range req.Donations {
		d := &req.Donations[i]
		if err := s.importer.PutDonation(c.Request.Context(), d); err != nil {
			failures = append(failures, importFailure{ID: d.ID, Error: err.Error()})
			continue
		}
		imported++
	}
	if len(failures) > 0 {
		s.log.Warnf("Imported %d donations, %d rejected", imported, len(failures))
	}

	status := http.StatusOK
	if imported == 0 && len(failures) > 0 {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"imported": imported, "failed": failures})
}

func (s *Server) createBatch(c *gin.Context) {
	opts := s.defaults
	if c.Request.ContentLength != 0 {
		var req batch.CreateOptions
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
			return
		}
		if req.MaxBatchSize > 0 {
			opts.MaxBatchSize = req.MaxBatchSize
		}
		if req.MinBatchSize > 0 {
			opts.MinBatchSize = req.MinBatchSize
		}
	}

	res, err := s.manager.Create(c.Request.Context(), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

func (s *Server) listBatches(c *gin.Context) {
	status := types.BatchStatus(c.Query("status"))
	switch status {
	case "", types.BatchPending, types.BatchAnchoring, types.BatchConfirmed, types.BatchFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown status %q", status)})
		return
	}

	batches, err := s.manager.List(c.Request.Context(), status)
	if err != nil {
		s.fail(c, err)
		return
	}
	if batches == nil {
		batches = []types.Batch{}
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches})
}

func (s *Server) getBatch(c *gin.Context) {
	b, err := s.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) anchorBatch(c *gin.Context) {
	res, err := s.manager.Anchor(c.Request.Context(), c.Param("id"))
	if err != nil {
		if res != nil {
			// ledger failure: the batch is now failed and retryable
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				status = http.StatusBadGateway
			}
			c.JSON(status, gin.H{"error": err.Error(), "batch": res.Batch})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) retryBatch(c *gin.Context) {
	res, err := s.manager.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"batch":           res.Batch,
		"skipped":         res.Skipped,
		"backoff_seconds": res.Backoff.Seconds(),
	})
}

func (s *Server) repairBatch(c *gin.Context) {
	res, err := s.manager.RepairLinks(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) verify(c *gin.Context) {
	v, err := s.manager.Verify(c.Request.Context(), c.Param("ref"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var funds *ledger.InsufficientFundsError
	switch {
	case errors.Is(err, batch.ErrBatchNotFound),
		errors.Is(err, batch.ErrDonationNotFound),
		errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, batch.ErrInvalidState),
		errors.Is(err, batch.ErrAnchorInFlight),
		errors.Is(err, db.ErrAlreadyClaimed),
		errors.Is(err, db.ErrStatusConflict),
		errors.Is(err, db.ErrImmutable),
		errors.Is(err, db.ErrDuplicateReference):
		return http.StatusConflict
	case errors.Is(err, batch.ErrRetryLimit),
		errors.Is(err, batch.ErrInvalidOptions),
		errors.Is(err, batch.ErrRootMismatch),
		errors.Is(err, ledger.ErrPayloadTooLarge):
		return http.StatusUnprocessableEntity
	case errors.As(err, &funds),
		errors.Is(err, ledger.ErrConfirmationTimeout),
		errors.Is(err, ledger.ErrRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
