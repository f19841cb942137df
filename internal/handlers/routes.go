package handlers

import "github.com/labstack/echo/v4"

// Register wires the API routes onto the authenticated group
func Register(g *echo.Group, documents *DocumentHandler, jobs *JobHandler, retrieval *RetrievalHandler) {
	g.POST("/workspaces/:workspaceId/knowledge-bases/:kbId/documents", documents.Upload)
	g.GET("/workspaces/:workspaceId/knowledge-bases/:kbId/documents", documents.List)
	g.GET("/documents/:id", documents.Get)
	g.DELETE("/documents/:id", documents.Delete)

	g.GET("/jobs", jobs.List)
	g.GET("/jobs/dead-letter", jobs.ListDeadLetter)
	g.POST("/jobs/dead-letter/:id/requeue", jobs.Requeue)
	g.GET("/jobs/:id", jobs.Get)
	g.POST("/jobs/:id/cancel", jobs.Cancel)

	g.POST("/query", retrieval.Query)
}
