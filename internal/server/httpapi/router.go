package httpapi

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/mozhii/curator/internal/server/auth"
)

// NewRouter assembles the public and admin route groups. allowOrigins is the
// CORS allowlist for the moderation frontend.
func NewRouter(h *Handler, authService *auth.Service, allowOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", h.Health)

	api := router.Group("/api")
	{
		api.POST("/login", h.Login)
		api.POST("/submit", h.Submit)
	}

	admin := api.Group("/admin")
	admin.Use(RequireAuth(authService))
	{
		admin.GET("/pending", h.ListPending)
		admin.GET("/item", h.GetItem)
		admin.GET("/stats", h.Stats)
		admin.GET("/approved-files", h.ListApproved)
		admin.GET("/dangling", h.ListDangling)
		admin.GET("/remote-files", h.ListRemote)
		admin.GET("/remote-file", h.DownloadRemote)
		admin.POST("/update", h.Update)
		admin.POST("/approve", h.Approve)
		admin.POST("/reject", h.Reject)
		admin.POST("/approve-all", h.ApproveAll)
		admin.POST("/push", h.Push)
		admin.DELETE("/delete-approved", h.DeleteApproved)
	}

	return router
}
