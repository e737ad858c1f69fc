package main

import (
	"quran-academy/internal/auth"
	"quran-academy/internal/gateway"
	"quran-academy/internal/httpapi"
	"quran-academy/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, m *auth.Manager, h httpapi.Handlers, ws *gateway.Handler, checks map[string]httpapi.Check) {
	r.HandleMethodNotAllowed = true
	r.NoMethod(httpapi.MethodNotAllowed)

	// public
	r.GET("/healthz", httpapi.Health)
	r.GET("/readyz", httpapi.Ready(checks))

	// Realtime: browsers cannot set headers on the upgrade, so the token may come as a query param.
	r.GET("/v1/realtime/ws",
		auth.RequireAccessTokenOrQuery(m),
		rbac.RequireAnyRole(rbac.RoleStudent, rbac.RoleParent),
		ws.ServeWS,
	)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(m))
	{
		// CALLS routes
		calls := v1.Group("/calls")
		calls.Use(rbac.RequireAnyRole(rbac.RoleTeacher))
		{
			calls.POST("/rooms", h.ProvisionRoom)
		}

		// CLASSES routes; access is checked per session inside the handler.
		v1.GET("/classes/:id/call-log", h.CallTimeline)
		v1.GET("/me/classes", rbac.RequireAnyRole(rbac.RoleStudent, rbac.RoleParent), h.MyClasses)

		// REPORTING routes
		v1.GET("/teachers/:id/call-summary",
			rbac.RequireAnyRole(rbac.RoleTeacher),
			rbac.RequireSelfOrAdmin("id"),
			h.TeacherCallSummary,
		)
	}
}
