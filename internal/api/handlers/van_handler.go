package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"van-backend/pkg/store"
	"van-backend/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// VanHandler 应用网络、邀请与成员管理
type VanHandler struct {
	store  store.Store
	logger zerolog.Logger
}

// NewVanHandler 创建 VAN 处理器
func NewVanHandler(st store.Store, logger zerolog.Logger) *VanHandler {
	return &VanHandler{
		store:  st,
		logger: logger.With().Str("handler", "van").Logger(),
	}
}

// HandleCreateVan POST /backbones/:id/vans
func (h *VanHandler) HandleCreateVan(c *gin.Context) {
	var req struct {
		Name      string     `json:"name" binding:"required"`
		StartTime *time.Time `json:"starttime"`
		EndTime   *time.Time `json:"endtime"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	van := &types.ApplicationNetwork{
		ID:         uuid.NewString(),
		Name:       req.Name,
		BackboneID: c.Param("id"),
		Lifecycle:  types.LifecycleNew,
		VanID:      uuid.NewString(),
		StartTime:  req.StartTime,
		EndTime:    req.EndTime,
		CreatedAt:  time.Now(),
	}
	err := h.store.Transaction(func(tx store.Store) error {
		if _, err := tx.GetBackbone(van.BackboneID); err != nil {
			return err
		}
		return tx.CreateNetwork(van)
	})
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusCreated, van)
}

// HandleListVans GET /backbones/:id/vans
func (h *VanHandler) HandleListVans(c *gin.Context) {
	vans, err := h.store.ListNetworks(c.Param("id"))
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, vans)
}

// HandleGetVan GET /vans/:id
func (h *VanHandler) HandleGetVan(c *gin.Context) {
	van, err := h.store.GetNetwork(c.Param("id"))
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, van)
}

// HandleDeleteVan DELETE /vans/:id
func (h *VanHandler) HandleDeleteVan(c *gin.Context) {
	err := h.store.Transaction(func(tx store.Store) error {
		return tx.DeleteNetwork(c.Param("id"))
	})
	if err != nil {
		httpError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleCreateInvitation POST /vans/:id/invitations
// claimaccess 指向 claim 类接入点，primaryaccess 建立首条边缘连接
func (h *VanHandler) HandleCreateInvitation(c *gin.Context) {
	var req struct {
		Name             string     `json:"name" binding:"required"`
		ClaimAccess      string     `json:"claimaccess" binding:"required"`
		PrimaryAccess    string     `json:"primaryaccess"`
		JoinDeadline     *time.Time `json:"deadline"`
		InstanceLimit    *int       `json:"instancelimit"`
		MemberClasses    []string   `json:"memberclasses"`
		MemberNamePrefix string     `json:"memberprefix"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	classes, _ := json.Marshal(req.MemberClasses)
	inv := &types.MemberInvitation{
		ID:                   uuid.NewString(),
		Name:                 req.Name,
		ApplicationNetworkID: c.Param("id"),
		Lifecycle:            types.LifecycleNew,
		ClaimAccessPointID:   req.ClaimAccess,
		JoinDeadline:         req.JoinDeadline,
		MemberClasses:        string(classes),
		InstanceLimit:        req.InstanceLimit,
		MemberNamePrefix:     req.MemberNamePrefix,
		CreatedAt:            time.Now(),
	}

	err := h.store.Transaction(func(tx store.Store) error {
		if _, err := tx.GetNetwork(inv.ApplicationNetworkID); err != nil {
			return err
		}
		ap, err := tx.GetAccessPoint(req.ClaimAccess)
		if err != nil {
			return err
		}
		if ap.Kind != types.AccessPointClaim {
			return &types.ProtocolError{Code: http.StatusBadRequest, Description: "claimaccess is not a claim access point"}
		}
		if err := tx.CreateInvitation(inv); err != nil {
			return err
		}
		if req.PrimaryAccess != "" {
			return tx.CreateEdgeLink(&types.EdgeLink{
				ID:                 uuid.NewString(),
				MemberInvitationID: inv.ID,
				AccessPointID:      req.PrimaryAccess,
				Priority:           0,
				CreatedAt:          time.Now(),
			})
		}
		return nil
	})
	if err != nil {
		protocolOrHTTPError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

// HandleListInvitations GET /vans/:id/invitations
func (h *VanHandler) HandleListInvitations(c *gin.Context) {
	invs, err := h.store.ListInvitations(c.Param("id"))
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, invs)
}

// HandleCreateEdgeLink POST /invitations/:id/edgelinks
func (h *VanHandler) HandleCreateEdgeLink(c *gin.Context) {
	var req struct {
		AccessPoint string `json:"accesspoint" binding:"required"`
		Priority    int    `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	el := &types.EdgeLink{
		ID:                 uuid.NewString(),
		MemberInvitationID: c.Param("id"),
		AccessPointID:      req.AccessPoint,
		Priority:           req.Priority,
		CreatedAt:          time.Now(),
	}
	err := h.store.Transaction(func(tx store.Store) error {
		if _, err := tx.GetInvitation(el.MemberInvitationID); err != nil {
			return err
		}
		return tx.CreateEdgeLink(el)
	})
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusCreated, el)
}

// HandleFetchInvitation GET /invitations/:id/claim
// 下载接入材料并累加取用计数
func (h *VanHandler) HandleFetchInvitation(c *gin.Context) {
	var inv *types.MemberInvitation
	err := h.store.Transaction(func(tx store.Store) error {
		row, err := tx.GetInvitation(c.Param("id"))
		if err != nil {
			return err
		}
		row.FetchCount++
		if err := tx.SaveInvitation(row); err != nil {
			return err
		}
		inv = row
		return nil
	})
	if err != nil {
		httpError(c, err)
		return
	}

	ap, err := h.store.GetAccessPoint(inv.ClaimAccessPointID)
	if err != nil {
		httpError(c, err)
		return
	}
	resp := gin.H{
		"claim": inv.ID,
		"name":  inv.Name,
	}
	if ap.HasIngress() {
		resp["host"] = *ap.Hostname
		resp["port"] = *ap.Port
	}
	c.JSON(http.StatusOK, resp)
}

// HandleListMembers GET /vans/:id/members
func (h *VanHandler) HandleListMembers(c *gin.Context) {
	members, err := h.store.ListMemberSites(c.Param("id"))
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusOK, members)
}

// HandleCreateNetworkCredential POST /vans/:id/credentials
// 仅外部 VAN 接入管理骨干网时需要
func (h *VanHandler) HandleCreateNetworkCredential(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	nc := &types.NetworkCredential{
		ID:                   uuid.NewString(),
		Name:                 req.Name,
		ApplicationNetworkID: c.Param("id"),
		Lifecycle:            types.LifecycleNew,
		CreatedAt:            time.Now(),
	}
	err := h.store.Transaction(func(tx store.Store) error {
		if _, err := tx.GetNetwork(nc.ApplicationNetworkID); err != nil {
			return err
		}
		return tx.CreateNetworkCredential(nc)
	})
	if err != nil {
		httpError(c, err)
		return
	}
	c.JSON(http.StatusCreated, nc)
}

// protocolOrHTTPError 协议错误映射为对应状态码
func protocolOrHTTPError(c *gin.Context, err error) {
	var perr *types.ProtocolError
	if errors.As(err, &perr) {
		c.JSON(perr.Code, gin.H{"error": perr.Description})
		return
	}
	httpError(c, err)
}
