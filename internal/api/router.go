package api

import (
	"van-backend/internal/api/handlers"
	"van-backend/pkg/logger"
	"van-backend/pkg/server/middleware"

	"github.com/gin-gonic/gin"
)

// NewRouter 组装管理面路由
func NewRouter(
	backboneHandler *handlers.BackboneHandler,
	vanHandler *handlers.VanHandler,
	appHandler *handlers.ApplicationHandler,
	statusHandler *handlers.StatusHandler,
	userHandler *handlers.UserHandler,
	log *logger.Logger,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	// 认证路由
	auth := r.Group("/auth")
	{
		auth.POST("/register", userHandler.HandleRegister)
		auth.POST("/login", userHandler.HandleLogin)
	}

	// 状态路由
	r.GET("/status", statusHandler.HandleGetStatus)

	// 管理路由，需要登录
	admin := r.Group("/", middleware.AuthRequired())
	{
		// 骨干网管理
		admin.POST("/backbones", backboneHandler.HandleCreateBackbone)
		admin.GET("/backbones", backboneHandler.HandleListBackbones)
		admin.GET("/backbones/:id", backboneHandler.HandleGetBackbone)
		admin.DELETE("/backbones/:id", backboneHandler.HandleDeleteBackbone)
		admin.POST("/backbones/:id/sites", backboneHandler.HandleCreateSite)
		admin.GET("/backbones/:id/sites", backboneHandler.HandleListSites)

		// 站点管理
		admin.GET("/backbonesites/:id", backboneHandler.HandleGetSite)
		admin.POST("/backbonesites/:id/accesspoints", backboneHandler.HandleCreateAccessPoint)
		admin.POST("/backbonesites/:id/ingress", backboneHandler.HandleSetIngress)
		admin.POST("/backbonesites/:id/links", backboneHandler.HandleCreateLink)
		admin.GET("/backbonesites/:id/bundle", backboneHandler.HandleDownloadBundle)
		admin.DELETE("/accesspoints/:id", backboneHandler.HandleDeleteAccessPoint)
		admin.DELETE("/links/:id", backboneHandler.HandleDeleteLink)

		// 应用网络管理
		admin.POST("/backbones/:id/vans", vanHandler.HandleCreateVan)
		admin.GET("/backbones/:id/vans", vanHandler.HandleListVans)
		admin.GET("/vans/:id", vanHandler.HandleGetVan)
		admin.DELETE("/vans/:id", vanHandler.HandleDeleteVan)
		admin.POST("/vans/:id/invitations", vanHandler.HandleCreateInvitation)
		admin.GET("/vans/:id/invitations", vanHandler.HandleListInvitations)
		admin.POST("/invitations/:id/edgelinks", vanHandler.HandleCreateEdgeLink)
		admin.GET("/invitations/:id/claim", vanHandler.HandleFetchInvitation)
		admin.GET("/vans/:id/members", vanHandler.HandleListMembers)
		admin.POST("/vans/:id/credentials", vanHandler.HandleCreateNetworkCredential)

		// 应用编排管理
		admin.POST("/library/blocks", appHandler.HandleCreateLibraryBlock)
		admin.GET("/library/blocks", appHandler.HandleListLibraryBlocks)
		admin.POST("/applications", appHandler.HandleCreateApplication)
		admin.GET("/applications", appHandler.HandleListApplications)
		admin.GET("/applications/:id", appHandler.HandleGetApplication)
		admin.DELETE("/applications/:id", appHandler.HandleDeleteApplication)
		admin.POST("/applications/:id/build", appHandler.HandleBuildApplication)
		admin.POST("/applications/:id/deploy", appHandler.HandleDeployApplication)
		admin.GET("/members/:id/sitedata", appHandler.HandleGetSiteData)
	}

	routerLogger := log.GetLogger("router")
	routerLogger.Debug().Msg("Router initialized")
	return r
}
