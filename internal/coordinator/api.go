package coordinator

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dreamware/forge/internal/auth"
	"github.com/dreamware/forge/internal/config"
	"github.com/dreamware/forge/internal/protocol"
	"github.com/dreamware/forge/internal/scheduler"
)

// newAPI builds the HTTP API:
//
//	GET    /health                liveness, no auth
//	GET    /stats                 component statistics, no auth
//	GET    /workers               list workers
//	POST   /workers/:id/drain     stop placing jobs on a worker (admin)
//	POST   /workers/:id/undrain   resume placing jobs (admin)
//	POST   /builds                submit a build
//	GET    /builds                list builds
//	GET    /builds/:id            build status with its jobs
//	DELETE /builds/:id            cancel a build
//	GET    /jobs/:id              job status
//	GET    /tokens                list tokens (admin)
//	POST   /tokens                issue a token (admin)
//	DELETE /tokens/:id            revoke a token (admin)
//	*      /cache/:key            remote cache endpoint
//
// Permission checks are skipped when the auth method is "none".
func (c *Coordinator) newAPI() *gin.Engine {
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), c.requestLogger())

	r.GET("/health", c.apiHealth)
	r.GET("/stats", c.apiStats)

	read := c.require(auth.PermSubmitJobs)
	submit := c.require(auth.PermSubmitJobs)
	admin := c.require(auth.PermAdmin)

	r.GET("/workers", read, c.apiListWorkers)
	r.POST("/workers/:id/drain", admin, c.apiDrain)
	r.POST("/workers/:id/undrain", admin, c.apiUndrain)

	r.POST("/builds", submit, c.apiSubmitBuild)
	r.GET("/builds", read, c.apiListBuilds)
	r.GET("/builds/:id", read, c.apiGetBuild)
	r.DELETE("/builds/:id", submit, c.apiCancelBuild)
	r.GET("/jobs/:id", read, c.apiGetJob)

	r.GET("/tokens", admin, c.apiListTokens)
	r.POST("/tokens", admin, c.apiIssueToken)
	r.DELETE("/tokens/:id", admin, c.apiRevokeToken)

	if c.cache != nil {
		c.cache.RegisterRoutes(r.Group("/", c.requireCacheAccess()), false)
	}
	return r
}

func (c *Coordinator) requestLogger() gin.HandlerFunc {
	logger := c.logger.Named("api")
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		if ctx.Request.URL.Path == "/health" {
			return
		}
		logger.Debug("request",
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.Request.URL.Path),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("client", ctx.ClientIP()))
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// require rejects requests whose bearer token lacks perm.
func (c *Coordinator) require(perm auth.Permission) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		c.authorize(ctx, perm)
	}
}

// requireCacheAccess checks read permission for GET and HEAD and write
// permission for everything else.
func (c *Coordinator) requireCacheAccess() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		perm := auth.PermWriteCache
		if m := ctx.Request.Method; m == http.MethodGet || m == http.MethodHead {
			perm = auth.PermReadCache
		}
		c.authorize(ctx, perm)
	}
}

func (c *Coordinator) authorize(ctx *gin.Context, perm auth.Permission) {
	if c.cfg.Auth.Method == config.AuthNone {
		ctx.Next()
		return
	}
	value := bearerToken(ctx.GetHeader("Authorization"))
	if value == "" {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	tok, res := c.auth.Authorize(value, ctx.ClientIP(), perm)
	switch res {
	case auth.ResultSuccess:
		ctx.Set("token_id", tok.ID)
		ctx.Next()
	case auth.ResultNotAuthorized:
		ctx.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token lacks permission"})
	default:
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token " + res.String()})
	}
}

func (c *Coordinator) apiHealth(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"coordinator_id": c.id,
		"version":        Version,
		"workers":        c.registry.Count(),
	})
}

func (c *Coordinator) apiStats(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, c.Stats())
}

func (c *Coordinator) apiListWorkers(ctx *gin.Context) {
	workers := c.registry.List()
	ctx.JSON(http.StatusOK, gin.H{"workers": workers, "count": len(workers)})
}

func (c *Coordinator) apiDrain(ctx *gin.Context) {
	id := ctx.Param("id")
	if !c.registry.Drain(id) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "worker not found"})
		return
	}
	w, _ := c.registry.Get(id)
	ctx.JSON(http.StatusOK, w)
}

func (c *Coordinator) apiUndrain(ctx *gin.Context) {
	id := ctx.Param("id")
	if !c.registry.Undrain(id) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "worker not found"})
		return
	}
	c.processQueue()
	w, _ := c.registry.Get(id)
	ctx.JSON(http.StatusOK, w)
}

func (c *Coordinator) apiSubmitBuild(ctx *gin.Context) {
	var req BuildRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	b, err := c.SubmitBuild(req)
	if err != nil {
		ctx.JSON(buildErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusCreated, b)
}

func buildErrorStatus(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrBuildNotFound), errors.Is(err, scheduler.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrCapacityExceeded), errors.Is(err, scheduler.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, scheduler.ErrBuildFinished), errors.Is(err, scheduler.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrInvalidJobSpec),
		errors.Is(err, scheduler.ErrDuplicateJob),
		errors.Is(err, scheduler.ErrUnknownDependency),
		errors.Is(err, scheduler.ErrUnknownName):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (c *Coordinator) apiListBuilds(ctx *gin.Context) {
	builds := c.scheduler.ListBuilds()
	ctx.JSON(http.StatusOK, gin.H{"builds": builds, "count": len(builds)})
}

func (c *Coordinator) apiGetBuild(ctx *gin.Context) {
	id := ctx.Param("id")
	b, ok := c.scheduler.GetBuild(id)
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "build not found"})
		return
	}
	jobs, _ := c.scheduler.BuildJobs(id)
	ctx.JSON(http.StatusOK, gin.H{"build": b, "jobs": jobs})
}

func (c *Coordinator) apiCancelBuild(ctx *gin.Context) {
	id := ctx.Param("id")
	if err := c.CancelBuild(id); err != nil {
		ctx.JSON(buildErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	b, _ := c.scheduler.GetBuild(id)
	ctx.JSON(http.StatusOK, b)
}

func (c *Coordinator) apiGetJob(ctx *gin.Context) {
	job, ok := c.scheduler.GetJob(ctx.Param("id"))
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	ctx.JSON(http.StatusOK, job)
}

type tokenRequest struct {
	Type         auth.TokenType `json:"type" binding:"required"`
	Subject      string         `json:"subject"`
	TTLSeconds   int64          `json:"ttl_seconds"`
	AllowedHosts []string       `json:"allowed_hosts"`
}

func (c *Coordinator) apiIssueToken(ctx *gin.Context) {
	var req tokenRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tok, err := c.auth.Generate(req.Type, req.Subject, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.AllowedHosts) > 0 {
		if err := c.auth.Restrict(tok.ID, req.AllowedHosts...); err != nil {
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		tok.AllowedHosts = req.AllowedHosts
	}
	ctx.JSON(http.StatusCreated, tok)
}

func (c *Coordinator) apiListTokens(ctx *gin.Context) {
	tokens := c.auth.List()
	for _, t := range tokens {
		t.Value = ""
	}
	ctx.JSON(http.StatusOK, gin.H{"tokens": tokens, "count": len(tokens)})
}

func (c *Coordinator) apiRevokeToken(ctx *gin.Context) {
	reason := ctx.DefaultQuery("reason", "revoked via api")
	if err := c.auth.Revoke(ctx.Param("id"), reason); err != nil {
		if errors.Is(err, auth.ErrTokenNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.Status(http.StatusNoContent)
}
