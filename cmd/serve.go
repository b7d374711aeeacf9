package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/herdsync/herdsync/internal/model"
	"github.com/herdsync/herdsync/internal/pipeline"
	"github.com/herdsync/herdsync/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func newRouter(env *Env) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1/recordings", func(r chi.Router) {
		r.Post("/", uploadRecording(env))
		r.Get("/", listRecordings(env))
		r.Get("/{id}", getRecording(env))
		r.Post("/{id}/reprocess", reprocessRecording(env))
	})

	return r
}

// maxUploadBytes bounds a single voice-note upload.
const maxUploadBytes = 50 << 20

func uploadRecording(env *Env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart form")
			return
		}

		tenantID := r.FormValue("tenant_id")
		entityType := r.FormValue("entity_type")
		if tenantID == "" || entityType == "" {
			writeError(w, http.StatusBadRequest, "tenant_id and entity_type are required")
			return
		}

		tenant, err := env.Store.GetTenant(r.Context(), tenantID)
		if errors.Is(err, store.ErrTenantNotFound) {
			writeError(w, http.StatusNotFound, "tenant not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "tenant lookup failed")
			return
		}
		if !tenant.IsActive {
			writeError(w, http.StatusForbidden, "tenant is inactive")
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "file is required")
			return
		}
		defer file.Close() //nolint:errcheck

		path, size, err := env.Audio.Save(r.Context(), tenantID, header.Filename, file)
		if err != nil {
			zap.L().Error("save audio", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to store audio")
			return
		}

		rec := &model.Recording{
			ID:          uuid.NewString(),
			TenantID:    tenantID,
			EntityType:  entityType,
			Filename:    header.Filename,
			AudioPath:   path,
			ContentType: header.Header.Get("Content-Type"),
			FileSize:    size,
		}
		if err := env.Store.CreateRecording(r.Context(), rec); err != nil {
			zap.L().Error("create recording", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to create recording")
			return
		}

		go processAsync(env, rec.ID)

		writeJSON(w, http.StatusAccepted, rec)
	}
}

func listRecordings(env *Env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.RecordingFilter{
			TenantID: r.URL.Query().Get("tenant_id"),
			Status:   model.RecordingStatus(r.URL.Query().Get("status")),
		}

		recs, err := env.Store.ListRecordings(r.Context(), filter)
		if err != nil {
			zap.L().Error("list recordings", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list recordings")
			return
		}
		if recs == nil {
			recs = []model.Recording{}
		}

		writeJSON(w, http.StatusOK, map[string]any{"recordings": recs})
	}
}

func getRecording(env *Env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := env.Store.GetRecording(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, store.ErrRecordingNotFound) {
			writeError(w, http.StatusNotFound, "recording not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load recording")
			return
		}

		writeJSON(w, http.StatusOK, rec)
	}
}

func reprocessRecording(env *Env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, err := env.Pipeline.Reprocess(r.Context(), id)
		switch {
		case errors.Is(err, store.ErrRecordingNotFound):
			writeError(w, http.StatusNotFound, "recording not found")
			return
		case errors.Is(err, pipeline.ErrInvalidState):
			writeError(w, http.StatusConflict, "recording is still being processed")
			return
		case err != nil:
			zap.L().Error("reprocess recording", zap.String("recording_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to reprocess recording")
			return
		}

		go processAsync(env, id)

		writeJSON(w, http.StatusAccepted, rec)
	}
}

// processAsync drives one recording to completion off the request path.
// The request context is gone by then, so a fresh background context is
// used; per-step timeouts still bound every external call.
func processAsync(env *Env, id string) {
	rec, err := env.Pipeline.Process(context.Background(), id)
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			// A worker process claimed the recording; it finishes the job.
			zap.L().Info("background processing handed off",
				zap.String("recording_id", id))
			return
		}
		zap.L().Error("background processing failed",
			zap.String("recording_id", id),
			zap.Error(err))
		return
	}
	zap.L().Info("background processing finished",
		zap.String("recording_id", id),
		zap.String("status", string(rec.Status)))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
