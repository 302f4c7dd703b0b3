package handlers

import (
	"github.com/gin-gonic/gin"

	"agent-royale-backend/internal/middleware"
	"agent-royale-backend/internal/services"
)

type Routes struct {
	Casino *CasinoHandler
	Arena  *ArenaHub
	// Oracle and JWT are nil in local oracle mode.
	Oracle *OracleHandler
	JWT    *services.JWTService

	RateLimitPerMinute int
}

func (rt Routes) Register(router *gin.Engine) {
	router.GET("/health", rt.Casino.Health)

	router.POST("/a2a/casino", middleware.RateLimit(rt.RateLimitPerMinute), rt.Casino.Handle)

	casino := router.Group("/casino")
	{
		casino.GET("/info", rt.Casino.Info)
		casino.GET("/games", rt.Casino.Games)
		casino.GET("/stats", rt.Casino.Stats)
		casino.GET("/games/:name/stats", rt.Casino.GameStats)
	}

	router.GET("/api/agent/:shortAddr", rt.Casino.Agent)
	router.GET("/dashboard/state", rt.Casino.Dashboard)

	arena := router.Group("/arena")
	{
		arena.GET("/recent", rt.Arena.HandleRecent)
		arena.GET("/agents", rt.Casino.ArenaAgents)
		arena.GET("/ws", rt.Arena.HandleWebSocket)
	}

	if rt.Oracle != nil && rt.JWT != nil {
		oracle := router.Group("/oracle")
		oracle.Use(middleware.OracleAuth(rt.JWT))
		{
			oracle.GET("/pending", rt.Oracle.Pending)
			oracle.POST("/callback", rt.Oracle.Callback)
		}
	}
}
