package cache

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dreamware/forge/internal/storage"
)

// maxUploadSize bounds one PUT body.
const maxUploadSize = 1 << 30

// RegisterRoutes mounts the remote cache endpoint on r:
//
//	GET    /cache/:key  artifact bytes, metadata in X-Forge-* headers
//	HEAD   /cache/:key  existence check
//	PUT    /cache/:key  store (idempotent)
//	DELETE /cache/:key  remove
//
// Callers add authentication middleware to r before registering.
func (c *Cache) RegisterRoutes(r gin.IRoutes, readOnly bool) {
	r.GET("/cache/:key", c.handleGet)
	r.HEAD("/cache/:key", c.handleHead)
	if !readOnly {
		r.PUT("/cache/:key", c.handlePut)
		r.DELETE("/cache/:key", c.handleDelete)
	}
}

func (c *Cache) handleGet(ctx *gin.Context) {
	data, entry, err := c.RetrieveBytes(ctx.Param("key"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	setEntryHeaders(ctx, entry)
	ctx.Data(http.StatusOK, "application/octet-stream", data)
}

func (c *Cache) handleHead(ctx *gin.Context) {
	entry, ok := c.Peek(ctx.Param("key"))
	if !ok {
		ctx.Status(http.StatusNotFound)
		return
	}
	setEntryHeaders(ctx, entry)
	ctx.Header("Content-Length", strconv.FormatInt(entry.Size, 10))
	ctx.Status(http.StatusOK)
}

func (c *Cache) handlePut(ctx *gin.Context) {
	key := ctx.Param("key")
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxUploadSize+1))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(body) > maxUploadSize {
		ctx.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": ErrTooLarge.Error()})
		return
	}
	if want := ctx.GetHeader(HeaderContentHash); want != "" && want != contentHash(body) {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": ErrCorrupt.Error()})
		return
	}

	entry, err := c.StoreBytes(key, body, Meta{
		Type:         ArtifactType(ctx.GetHeader(HeaderArtifactType)),
		ProducerHost: ctx.GetHeader(HeaderProducerHost),
		BuildID:      ctx.GetHeader(HeaderBuildID),
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, entry)
}

func (c *Cache) handleDelete(ctx *gin.Context) {
	if err := c.Delete(ctx.Param("key")); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func setEntryHeaders(ctx *gin.Context, e *Entry) {
	ctx.Header(HeaderContentHash, e.ContentHash)
	ctx.Header(HeaderArtifactType, string(e.Type))
	if e.ProducerHost != "" {
		ctx.Header(HeaderProducerHost, e.ProducerHost)
	}
	if e.BuildID != "" {
		ctx.Header(HeaderBuildID, e.BuildID)
	}
}

func writeError(ctx *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrInvalidKey), errors.Is(err, storage.ErrInvalidKey):
		status = http.StatusBadRequest
	}
	ctx.JSON(status, gin.H{"error": err.Error()})
}
