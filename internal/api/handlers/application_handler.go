package handlers

import (
	"net/http"
	"time"

	"van-backend/internal/service"
	"van-backend/pkg/store"
	"van-backend/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ApplicationHandler 库块与应用编排管理
type ApplicationHandler struct {
	store   store.Store
	compose *service.ComposeService
	logger  zerolog.Logger
}

// NewApplicationHandler 创建应用处理器
func NewApplicationHandler(st store.Store, compose *service.ComposeService, logger zerolog.Logger) *ApplicationHandler {
	return &ApplicationHandler{
		store:   st,
		compose: compose,
		logger:  logger.With().Str("handler", "application").Logger(),
	}
}

// HandleCreateLibraryBlock POST /library/blocks
func (h *ApplicationHandler) HandleCreateLibraryBlock(c *gin.Context) {
	var req struct {
		Name       string `json:"name" binding:"required"`
		Revision   int    `json:"revision"`
		Type       string `json:"type" binding:"required"`
		Format     string `json:"format" binding:"required"`
		Body       string `json:"body"`
		Interfaces string `json:"interfaces"`
		Config     string `json:"config"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Format != "simple" && req.Format != "composite" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid block format"})
		return
	}
	if req.Revision <= 0 {
		req.Revision = 1
	}

	lb := &types.LibraryBlock{
		ID:         uuid.NewString(),
		Name:       req.Name,
		Revision:   req.Revision,
		TypeName:   req.Type,
		Format:     req.Format,
		BodyYAML:   req.Body,
		IfacesYAML: req.Interfaces,
		ConfigYAML: req.Config,
		CreatedAt:  time.Now(),
	}
	err := h.store.Transaction(func(tx store.Store) error {
		if _, err := tx.GetBlockType(req.Type); err != nil {
			return err
		}
		return tx.CreateLibraryBlock(lb)
	})
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lb)
}

// HandleListLibraryBlocks GET /library/blocks
func (h *ApplicationHandler) HandleListLibraryBlocks(c *gin.Context) {
	blocks, err := h.store.ListLibraryBlocks()
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, blocks)
}

// HandleCreateApplication POST /applications
func (h *ApplicationHandler) HandleCreateApplication(c *gin.Context) {
	var req struct {
		Name      string `json:"name" binding:"required"`
		RootBlock string `json:"rootblock" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	app := &types.Application{
		ID:        uuid.NewString(),
		Name:      req.Name,
		RootBlock: req.RootBlock,
		Lifecycle: types.AppCreated,
		CreatedAt: time.Now(),
	}
	err := h.store.Transaction(func(tx store.Store) error {
		if _, err := tx.GetLibraryBlockByName(req.RootBlock); err != nil {
			return err
		}
		return tx.CreateApplication(app)
	})
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusCreated, app)
}

// HandleListApplications GET /applications
func (h *ApplicationHandler) HandleListApplications(c *gin.Context) {
	apps, err := h.store.ListApplications()
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, apps)
}

// HandleGetApplication GET /applications/:id
func (h *ApplicationHandler) HandleGetApplication(c *gin.Context) {
	app, err := h.store.GetApplication(c.Param("id"))
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, app)
}

// HandleDeleteApplication DELETE /applications/:id
func (h *ApplicationHandler) HandleDeleteApplication(c *gin.Context) {
	id := c.Param("id")
	err := h.store.Transaction(func(tx store.Store) error {
		return tx.DeleteApplication(id)
	})
	if err != nil {
		httpError(c, err)
		return
	}
	h.compose.Invalidate(id)
	c.Status(http.StatusNoContent)
}

// HandleBuildApplication POST /applications/:id/build
func (h *ApplicationHandler) HandleBuildApplication(c *gin.Context) {
	built, err := h.compose.Build(c.Param("id"))
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"lifecycle": built.Row.Lifecycle,
		"instances": len(built.Instances),
		"bindings":  len(built.Bindings),
		"warnings":  built.Warnings,
	})
}

// HandleDeployApplication POST /applications/:id/deploy
func (h *ApplicationHandler) HandleDeployApplication(c *gin.Context) {
	var req struct {
		Van string `json:"van" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := h.compose.Deploy(c.Param("id"), req.Van); err != nil {
		httpError(c, err)
		return
	}

	app, err := h.store.GetApplication(c.Param("id"))
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lifecycle": app.Lifecycle, "deploylog": app.DeployLog})
}

// HandleGetSiteData GET /members/:id/sitedata
func (h *ApplicationHandler) HandleGetSiteData(c *gin.Context) {
	records, err := h.store.ListSiteData(c.Param("id"))
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}
