package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/intelmercado/enrich-cli/internal/batch"
	"github.com/intelmercado/enrich-cli/internal/model"
	"github.com/intelmercado/enrich-cli/internal/monitoring"
	"github.com/intelmercado/enrich-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job-control HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		srv := newJobServer(ctx, env)
		// Jobs launched over HTTP pause at the next batch boundary when ctx
		// is cancelled; wait for their checkpoints before the store closes.
		defer srv.jobs.Wait()

		// Background alert checker watches running jobs.
		checker := monitoring.NewChecker(env.Store, env.Alerter, cfg.Alerts)
		go checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		httpSrv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: srv.routes(),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// jobServer exposes the batch manager over HTTP. Inline work sets posted to
// /jobs are held in memory so a later /start can replay the same item order.
type jobServer struct {
	env       *enrichEnv
	collector *monitoring.Collector

	// baseCtx scopes launched jobs to the server's lifetime, and jobs tracks
	// them so shutdown can wait for the pause checkpoints to land.
	baseCtx context.Context
	jobs    sync.WaitGroup

	mu       sync.Mutex
	worksets map[string]*batch.WorkSet
}

func newJobServer(ctx context.Context, env *enrichEnv) *jobServer {
	return &jobServer{
		env:       env,
		collector: monitoring.NewCollector(env.Store),
		baseCtx:   ctx,
		worksets:  make(map[string]*batch.WorkSet),
	}
}

func (s *jobServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Post("/breaker/reset", s.handleBreakerReset)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/start", s.handleStartJob)
		r.Post("/{id}/pause", s.handlePauseJob)
		r.Post("/{id}/resume", s.handleResumeJob)
		r.Post("/{id}/cancel", s.handleCancelJob)
	})
	return r
}

type createJobRequest struct {
	WorksetPath string         `json:"workset_path,omitempty"`
	Workset     *batch.WorkSet `json:"workset,omitempty"`
}

func (s *jobServer) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var ws *batch.WorkSet
	var ref string
	switch {
	case req.WorksetPath != "":
		loaded, err := batch.LoadWorkSet(req.WorksetPath)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ws, ref = loaded, req.WorksetPath
	case req.Workset != nil:
		if err := req.Workset.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ws = req.Workset
	default:
		writeError(w, http.StatusBadRequest, "workset or workset_path is required")
		return
	}

	job, err := s.env.Manager.CreateJob(r.Context(), ws, ref)
	if err != nil {
		writeManagerError(w, err)
		return
	}

	if ref == "" {
		s.mu.Lock()
		s.worksets[job.ID] = ws
		s.mu.Unlock()
	}

	writeJSON(w, http.StatusCreated, job)
}

func (s *jobServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	progress, err := s.env.Manager.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *jobServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := s.env.Manager.List(r.Context(), store.JobFilter{
		WorkspaceID: r.URL.Query().Get("workspace"),
		Status:      model.JobStatus(r.URL.Query().Get("status")),
		Limit:       limit,
	})
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *jobServer) handleStartJob(w http.ResponseWriter, r *http.Request) {
	s.launch(w, r, false)
}

func (s *jobServer) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	s.launch(w, r, true)
}

// launch validates against the current job state synchronously, then runs
// the orchestration loop in the background.
func (s *jobServer) launch(w http.ResponseWriter, r *http.Request, resume bool) {
	jobID := chi.URLParam(r, "id")

	job, err := s.env.Store.GetJob(r.Context(), jobID)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	// Resume also accepts a running job so one orphaned by a crashed process
	// can be recovered; the manager rejects it if a live runner exists.
	switch {
	case !resume && job.Status != model.JobStatusPending:
		writeError(w, http.StatusConflict,
			fmt.Sprintf("job %s is %s, expected %s", jobID, job.Status, model.JobStatusPending))
		return
	case resume && job.Status != model.JobStatusPaused && job.Status != model.JobStatusRunning:
		writeError(w, http.StatusConflict,
			fmt.Sprintf("job %s is %s, expected %s", jobID, job.Status, model.JobStatusPaused))
		return
	}

	ws, err := s.worksetFor(job)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		// The job outlives the request but not the server: on shutdown the
		// cancelled base context pauses it at the next batch boundary.
		var runErr error
		if resume {
			runErr = s.env.Manager.Resume(s.baseCtx, jobID, ws)
		} else {
			runErr = s.env.Manager.Start(s.baseCtx, jobID, ws)
		}
		if runErr != nil {
			zap.L().Error("job run failed",
				zap.String("job_id", jobID),
				zap.Error(runErr),
			)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "accepted"})
}

func (s *jobServer) worksetFor(job *model.Job) (*batch.WorkSet, error) {
	if job.WorkSetRef != "" {
		return batch.LoadWorkSet(job.WorkSetRef)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.worksets[job.ID]
	if !ok {
		return nil, eris.Errorf("work set for job %s is not available in this process", job.ID)
	}
	return ws, nil
}

func (s *jobServer) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	if err := s.env.Manager.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pause requested"})
}

func (s *jobServer) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.env.Manager.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
}

func (s *jobServer) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	s.env.Manager.ResetBreaker()
	writeJSON(w, http.StatusOK, map[string]string{
		"breaker": s.env.Manager.BreakerState().String(),
	})
}

func (s *jobServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"breaker": s.env.Manager.BreakerState().String(),
	})
}

func (s *jobServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context(), r.URL.Query().Get("workspace"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, batch.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
