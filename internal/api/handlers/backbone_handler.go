package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"van-backend/internal/cluster"
	"van-backend/internal/service"
	"van-backend/pkg/manifest"
	"van-backend/pkg/store"
	"van-backend/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BackboneHandler 骨干网与站点管理
type BackboneHandler struct {
	store      store.Store
	cluster    cluster.Client
	deployment *service.DeploymentService
	bridge     *service.BridgeService
	logger     zerolog.Logger
}

// NewBackboneHandler 创建骨干网处理器
func NewBackboneHandler(st store.Store, cl cluster.Client, deployment *service.DeploymentService, bridge *service.BridgeService, logger zerolog.Logger) *BackboneHandler {
	return &BackboneHandler{
		store:      st,
		cluster:    cl,
		deployment: deployment,
		bridge:     bridge,
		logger:     logger.With().Str("handler", "backbone").Logger(),
	}
}

func httpError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, cluster.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// HandleCreateBackbone POST /backbones
func (h *BackboneHandler) HandleCreateBackbone(c *gin.Context) {
	var req struct {
		Name       string `json:"name" binding:"required"`
		Management bool   `json:"management"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	bb := &types.Backbone{
		ID:         uuid.NewString(),
		Name:       req.Name,
		Lifecycle:  types.LifecycleNew,
		Management: req.Management,
		CreatedAt:  time.Now(),
	}

	err := h.store.Transaction(func(tx store.Store) error {
		if req.Management {
			// 至多一个管理骨干网
			existing, err := tx.ListBackbones()
			if err != nil {
				return err
			}
			for _, other := range existing {
				if other.Management {
					return &types.ProtocolError{Code: http.StatusBadRequest, Description: "a management backbone already exists"}
				}
			}
		}
		return tx.CreateBackbone(bb)
	})
	if err != nil {
		var perr *types.ProtocolError
		if errors.As(err, &perr) {
			c.JSON(perr.Code, gin.H{"error": perr.Description})
			return
		}
		httpError(c, err)
		return
	}
	c.JSON(http.StatusCreated, bb)
}

// HandleListBackbones GET /backbones
func (h *BackboneHandler) HandleListBackbones(c *gin.Context) {
	bbs, err := h.store.ListBackbones()
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, bbs)
}

// HandleGetBackbone GET /backbones/:id
func (h *BackboneHandler) HandleGetBackbone(c *gin.Context) {
	bb, err := h.store.GetBackbone(c.Param("id"))
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, bb)
}

// HandleDeleteBackbone DELETE /backbones/:id
// 规则：仍有站点的骨干网不可删除
func (h *BackboneHandler) HandleDeleteBackbone(c *gin.Context) {
	id := c.Param("id")
	err := h.store.Transaction(func(tx store.Store) error {
		count, err := tx.CountSitesForBackbone(id)
		if err != nil {
			return err
		}
		if count > 0 {
			return &types.ProtocolError{Code: http.StatusBadRequest, Description: "backbone still has sites"}
		}
		return tx.DeleteBackbone(id)
	})
	if err != nil {
		var perr *types.ProtocolError
		if errors.As(err, &perr) {
			c.JSON(perr.Code, gin.H{"error": perr.Description})
			return
		}
		httpError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleCreateSite POST /backbones/:id/sites
func (h *BackboneHandler) HandleCreateSite(c *gin.Context) {
	var req struct {
		Name     string `json:"name" binding:"required"`
		Platform string `json:"platform"`
		Metadata string `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Platform == "" {
		req.Platform = "kube"
	}

	site := &types.InteriorSite{
		ID:              uuid.NewString(),
		Name:            req.Name,
		BackboneID:      c.Param("id"),
		Lifecycle:       types.LifecycleNew,
		DeploymentState: types.DeploymentNotReady,
		Platform:        req.Platform,
		Metadata:        req.Metadata,
		CreatedAt:       time.Now(),
	}
	err := h.store.Transaction(func(tx store.Store) error {
		if _, err := tx.GetBackbone(site.BackboneID); err != nil {
			return err
		}
		return tx.CreateInteriorSite(site)
	})
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusCreated, site)
}

// HandleListSites GET /backbones/:id/sites
func (h *BackboneHandler) HandleListSites(c *gin.Context) {
	sites, err := h.store.ListInteriorSites(c.Param("id"))
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, sites)
}

// HandleGetSite GET /backbonesites/:id
func (h *BackboneHandler) HandleGetSite(c *gin.Context) {
	site, err := h.store.GetInteriorSite(c.Param("id"))
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, site)
}

// HandleCreateAccessPoint POST /backbonesites/:id/accesspoints
// host/port 未知时生命周期从 partial 开始
func (h *BackboneHandler) HandleCreateAccessPoint(c *gin.Context) {
	var req struct {
		Kind     string `json:"kind" binding:"required"`
		Name     string `json:"name"`
		Host     string `json:"host"`
		Port     string `json:"port"`
		BindHost string `json:"bindhost"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	kind := types.AccessPointKind(req.Kind)
	switch kind {
	case types.AccessPointClaim, types.AccessPointPeer, types.AccessPointMember, types.AccessPointManage, types.AccessPointVan:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid access point kind"})
		return
	}

	ap := &types.BackboneAccessPoint{
		ID:             uuid.NewString(),
		Name:           req.Name,
		InteriorSiteID: c.Param("id"),
		Kind:           kind,
		Lifecycle:      types.LifecyclePartial,
		CreatedAt:      time.Now(),
	}
	if req.Host != "" {
		ap.Hostname = &req.Host
	}
	if req.Port != "" {
		ap.Port = &req.Port
	}
	if req.BindHost != "" {
		ap.BindHost = &req.BindHost
	}
	if ap.HasIngress() {
		ap.Lifecycle = types.LifecycleNew
	}

	err := h.store.Transaction(func(tx store.Store) error {
		if _, err := tx.GetInteriorSite(ap.InteriorSiteID); err != nil {
			return err
		}
		if err := tx.CreateAccessPoint(ap); err != nil {
			return err
		}
		if ap.Kind == types.AccessPointManage {
			return h.deployment.ManageAccessChanged(tx, ap.InteriorSiteID)
		}
		return nil
	})
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ap)
}

// HandleDeleteAccessPoint DELETE /accesspoints/:id
func (h *BackboneHandler) HandleDeleteAccessPoint(c *gin.Context) {
	id := c.Param("id")
	err := h.store.Transaction(func(tx store.Store) error {
		ap, err := tx.GetAccessPoint(id)
		if err != nil {
			return err
		}
		if err := tx.DeleteAccessPoint(id); err != nil {
			return err
		}
		if ap.Kind == types.AccessPointManage {
			return h.deployment.ManageAccessChanged(tx, ap.InteriorSiteID)
		}
		return nil
	})
	if err != nil {
		httpError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleSetIngress POST /backbonesites/:id/ingress
// 请求体：{ <apId>: {host, port}, ... }；partial 接入点补齐后推进到 new
func (h *BackboneHandler) HandleSetIngress(c *gin.Context) {
	var req map[string]struct {
		Host string `json:"host" binding:"required"`
		Port string `json:"port" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	siteID := c.Param("id")
	var updated []string
	err := h.store.Transaction(func(tx store.Store) error {
		for apID, ingress := range req {
			ap, err := tx.GetAccessPoint(apID)
			if err != nil {
				return err
			}
			if ap.InteriorSiteID != siteID {
				return &types.ProtocolError{Code: http.StatusBadRequest, Description: "access point does not belong to site"}
			}
			host, port := ingress.Host, ingress.Port
			ap.Hostname = &host
			ap.Port = &port
			if ap.Lifecycle == types.LifecyclePartial {
				ap.Lifecycle = types.LifecycleNew
			}
			if err := tx.SaveAccessPoint(ap); err != nil {
				return err
			}
			updated = append(updated, apID)
		}
		return nil
	})
	if err != nil {
		var perr *types.ProtocolError
		if errors.As(err, &perr) {
			c.JSON(perr.Code, gin.H{"error": perr.Description})
			return
		}
		httpError(c, err)
		return
	}

	for _, apID := range updated {
		h.bridge.SiteIngressChanged(apID)
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

// HandleCreateLink POST /backbonesites/:id/links
func (h *BackboneHandler) HandleCreateLink(c *gin.Context) {
	var req struct {
		AccessPoint string `json:"accesspoint" binding:"required"`
		Cost        int    `json:"cost"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Cost <= 0 {
		req.Cost = 1
	}

	link := &types.InterRouterLink{
		ID:               uuid.NewString(),
		ConnectingSiteID: c.Param("id"),
		AccessPointID:    req.AccessPoint,
		Cost:             req.Cost,
		CreatedAt:        time.Now(),
	}
	err := h.store.Transaction(func(tx store.Store) error {
		if err := tx.CreateLink(link); err != nil {
			return err
		}
		return h.deployment.LinkChanged(tx, link.ConnectingSiteID)
	})
	if err != nil {
		httpError(c, err)
		return
	}

	h.bridge.LinkChanged(link.ID, false)
	c.JSON(http.StatusCreated, link)
}

// HandleDeleteLink DELETE /links/:id
func (h *BackboneHandler) HandleDeleteLink(c *gin.Context) {
	id := c.Param("id")
	var connectingSite string
	err := h.store.Transaction(func(tx store.Store) error {
		link, err := tx.GetLink(id)
		if err != nil {
			return err
		}
		connectingSite = link.ConnectingSiteID
		if err := tx.DeleteLink(id); err != nil {
			return err
		}
		return h.deployment.LinkChanged(tx, connectingSite)
	})
	if err != nil {
		httpError(c, err)
		return
	}

	h.bridge.RemoveLinkState(connectingSite, id)
	c.Status(http.StatusNoContent)
}

// HandleDownloadBundle GET /backbonesites/:id/bundle
// 固定顺序拼接站点部署清单
func (h *BackboneHandler) HandleDownloadBundle(c *gin.Context) {
	site, err := h.store.GetInteriorSite(c.Param("id"))
	if err != nil {
		httpError(c, err)
		return
	}

	var docs []string
	appendDoc := func(doc string, err error) error {
		if err != nil {
			return err
		}
		docs = append(docs, doc)
		return nil
	}

	if err := appendDoc(manifest.ServiceAccountYAML(site.Name)); err != nil {
		httpError(c, err)
		return
	}
	if err := appendDoc(manifest.RoleYAML(true)); err != nil {
		httpError(c, err)
		return
	}
	if err := appendDoc(manifest.RoleBindingYAML(site.Name)); err != nil {
		httpError(c, err)
		return
	}
	if err := appendDoc(manifest.RouterConfigMapYAML(site.ID, manifest.RouterModeInterior, "", "")); err != nil {
		httpError(c, err)
		return
	}
	if err := appendDoc(manifest.DeploymentYAML(site.Name, site.Platform)); err != nil {
		httpError(c, err)
		return
	}
	if site.Platform == "kube" {
		if err := appendDoc(manifest.SiteServiceYAML(site.Name)); err != nil {
			httpError(c, err)
			return
		}
	}

	// 站点凭证，带状态注解
	if site.CertificateID != nil {
		cert, err := h.store.GetTlsCertificate(*site.CertificateID)
		if err == nil {
			if secret, err := h.cluster.LoadSecret(cert.ObjectName); err == nil {
				if err := appendDoc(manifest.SiteSecretYAML(site.ID, secret.Data)); err != nil {
					httpError(c, err)
					return
				}
			}
		}
	}

	links, err := h.store.ListLinksFrom(site.ID)
	if err != nil {
		httpError(c, err)
		return
	}
	for _, lt := range links {
		host, port := "", ""
		if lt.AccessPoint.Hostname != nil {
			host = *lt.AccessPoint.Hostname
		}
		if lt.AccessPoint.Port != nil {
			port = *lt.AccessPoint.Port
		}
		if err := appendDoc(manifest.LinkConfigMapYAML(lt.Link.ID, host, port, strconv.Itoa(lt.Link.Cost))); err != nil {
			httpError(c, err)
			return
		}
	}

	aps, err := h.store.ListAccessPointsForSite(site.ID)
	if err != nil {
		httpError(c, err)
		return
	}
	for _, ap := range aps {
		bindHost := ""
		if ap.BindHost != nil {
			bindHost = *ap.BindHost
		}
		if err := appendDoc(manifest.AccessPointConfigMapYAML(ap.ID, string(ap.Kind), bindHost)); err != nil {
			httpError(c, err)
			return
		}
	}

	// ready-bootstrap 站点附带接入点服务端凭证
	if site.DeploymentState == types.DeploymentReadyBootstrap {
		for _, ap := range aps {
			if ap.CertificateID == nil {
				continue
			}
			cert, err := h.store.GetTlsCertificate(*ap.CertificateID)
			if err != nil {
				continue
			}
			secret, err := h.cluster.LoadSecret(cert.ObjectName)
			if err != nil {
				continue
			}
			if err := appendDoc(manifest.AccessPointSecretYAML(ap.ID, secret.Data)); err != nil {
				httpError(c, err)
				return
			}
		}
	}

	c.Header("Content-Type", "application/yaml")
	c.String(http.StatusOK, manifest.ConcatDocuments(docs))
}
