// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/evidence"
	"github.com/Hardonian/ReadyLayer-sub001/services/review/telemetry"
)

// reviewEngine is the slice of the orchestrator the HTTP surface uses.
type reviewEngine interface {
	ReviewChange(ctx context.Context, req *datatypes.ReviewRequest) (*datatypes.ReviewResult, error)
	CheckDrift(ctx context.Context, req *datatypes.DriftRequest) (*datatypes.ReviewResult, error)
	ExportEvidence(ctx context.Context, evidenceID string) (*datatypes.EvidenceExport, error)
	GetResult(ctx context.Context, id string) (*datatypes.ReviewResult, error)
}

// latestResults looks up the most recent verdict for a change ref.
type latestResults interface {
	GetLatest(ctx context.Context, orgID, repoID, changeRef string) (*datatypes.ReviewResult, error)
}

func runServeCommand(cmd *cobra.Command, args []string) {
	cfg := config
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	if cfg.Server.GinMode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, "server")
	if err != nil {
		fatal(err)
	}

	// Pack edits under the file source invalidate the resolver cache
	// without a restart.
	if err := app.watchPolicies(); err != nil {
		app.Close()
		fatal(err)
	}

	router := setupRouter(app.engine, app.stores.Results, app.logger.Slog())

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	printServerBanner()
	app.logger.Info("server listening",
		"addr", addr,
		"policy_source", cfg.Policy.Source,
		"ai_review", cfg.Review.AI.Enabled)

	select {
	case <-ctx.Done():
		app.logger.Info("shutdown signal received")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutCtx); err != nil {
			app.logger.Error("server shutdown failed", "error", err)
		}
		cancel()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Close()
			fatal(err)
		}
	}
	app.Close()
}

// setupRouter registers the HTTP surface on a fresh gin engine.
func setupRouter(engine reviewEngine, latest latestResults, log *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if gin.Mode() == gin.DebugMode {
		router.Use(gin.Logger())
	}
	router.Use(otelgin.Middleware("readylayer-server"))

	router.GET("/healthz", HandleHealth())
	if h := telemetry.MetricsHandler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}

	v1 := router.Group("/v1")
	v1.POST("/reviews", HandleReview(engine, log))
	v1.POST("/drift", HandleDrift(engine, log))
	v1.GET("/results/:id", HandleGetResult(engine, log))
	v1.GET("/results/latest", HandleLatestResult(latest, log))
	v1.GET("/evidence/:id/export", HandleEvidenceExport(engine, log))
	return router
}

// HandleHealth reports liveness.
func HandleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	}
}

// serverError writes a 500 whose body carries the request's trace ID,
// when one exists, so callers can quote it when reporting the failure.
func serverError(c *gin.Context, msg string) {
	body := gin.H{"error": msg}
	if id := telemetry.TraceID(c.Request.Context()); id != "" {
		body["trace_id"] = id
	}
	c.JSON(http.StatusInternalServerError, body)
}

// HandleReview runs a change through the review pipeline.
//
// Blocked and failed attempts are successful HTTP calls: the verdict is
// in the body, and only transport or pipeline errors become 5xx.
func HandleReview(engine reviewEngine, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ReviewRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		res, err := engine.ReviewChange(c.Request.Context(), &req)
		if err != nil {
			if errors.Is(err, datatypes.ErrInvalidRequest) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			log.Error("review attempt failed",
				"org_id", req.OrgID, "repo_id", req.RepoID, "change_ref", req.ChangeRef, "error", err)
			serverError(c, "Review could not be completed")
			return
		}

		log.Info("review attempt finished",
			"org_id", res.OrgID, "repo_id", res.RepoID, "change_ref", res.ChangeRef,
			"status", res.Status, "score", res.Score)
		c.JSON(http.StatusOK, res)
	}
}

// HandleDrift runs an artifact set through the drift pipeline.
func HandleDrift(engine reviewEngine, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.DriftRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		res, err := engine.CheckDrift(c.Request.Context(), &req)
		if err != nil {
			if errors.Is(err, datatypes.ErrInvalidRequest) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			log.Error("drift attempt failed",
				"org_id", req.OrgID, "repo_id", req.RepoID, "artifact_ref", req.ArtifactRef, "error", err)
			serverError(c, "Drift check could not be completed")
			return
		}

		c.JSON(http.StatusOK, res)
	}
}

// HandleGetResult fetches one stored result by ID.
func HandleGetResult(engine reviewEngine, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		res, err := engine.GetResult(c.Request.Context(), id)
		if err != nil {
			log.Error("result lookup failed", "result_id", id, "error", err)
			serverError(c, "Result lookup failed")
			return
		}
		if res == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Result not found"})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// HandleLatestResult fetches the most recent result for org/repo/change
// query parameters.
func HandleLatestResult(latest latestResults, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		org := c.Query("org")
		repo := c.Query("repo")
		change := c.Query("change")
		if org == "" || repo == "" || change == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "org, repo, and change query parameters are required"})
			return
		}

		res, err := latest.GetLatest(c.Request.Context(), org, repo, change)
		if err != nil {
			log.Error("latest result lookup failed",
				"org_id", org, "repo_id", repo, "change_ref", change, "error", err)
			serverError(c, "Result lookup failed")
			return
		}
		if res == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Result not found"})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// HandleEvidenceExport exports the verified evidence envelope for a
// bundle ID.
func HandleEvidenceExport(engine reviewEngine, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		export, err := engine.ExportEvidence(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, evidence.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Evidence bundle not found"})
				return
			}
			if errors.Is(err, evidence.ErrDigestMismatch) {
				log.Error("evidence bundle failed verification", "evidence_id", id, "error", err)
				serverError(c, "Evidence bundle failed integrity verification")
				return
			}
			log.Error("evidence export failed", "evidence_id", id, "error", err)
			serverError(c, "Evidence export failed")
			return
		}
		c.JSON(http.StatusOK, export)
	}
}

func printServerBanner() {
	banner := `
╔════════════════════════════════════════════════════════════╗
║                     READYLAYER SERVER                      ║
╠════════════════════════════════════════════════════════════╣
║  Policy-driven change evaluation over HTTP.                ║
║                                                            ║
║  POST /v1/reviews              submit a change for review  ║
║  POST /v1/drift                check artifacts for drift   ║
║  GET  /v1/results/:id          fetch a stored verdict      ║
║  GET  /v1/results/latest       latest verdict for a change ║
║  GET  /v1/evidence/:id/export  export an evidence bundle   ║
║  GET  /healthz                 liveness                    ║
║  GET  /metrics                 Prometheus metrics          ║
║                                                            ║
║  Press Ctrl+C to stop                                      ║
╚════════════════════════════════════════════════════════════╝
`
	fmt.Print(banner)
}
