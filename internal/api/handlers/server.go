// Package handlers implements a thin gin transport binding over the
// campaign-state service layer. Each handler binds a small request struct,
// calls into one service method, and writes the result as JSON — the HTTP
// surface is not a modeled API contract, just the minimal shim the engine
// needs to drive the typed services over the wire.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"campaignstate.io/core/internal/api/middleware"
	"campaignstate.io/core/internal/branch"
	"campaignstate.io/core/internal/depgraph"
	"campaignstate.io/core/internal/entitystore"
	"campaignstate.io/core/internal/variables"
	"campaignstate.io/core/internal/worldtime"
)

// Server holds every service the HTTP layer drives.
type Server struct {
	pool      *pgxpool.Pool
	jwtCfg    middleware.JWTConfig
	entities  *entitystore.Store
	variables *variables.Service
	worldtime *worldtime.Service
	branches  *branch.Service
	depgraph  *depgraph.Service
}

// ServerDeps holds every dependency needed to build a Server. ADR-0013:
// manual DI, no Wire/Dig.
type ServerDeps struct {
	Pool      *pgxpool.Pool
	JWTCfg    middleware.JWTConfig
	Entities  *entitystore.Store
	Variables *variables.Service
	WorldTime *worldtime.Service
	Branches  *branch.Service
	DepGraph  *depgraph.Service
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		pool:      deps.Pool,
		jwtCfg:    deps.JWTCfg,
		entities:  deps.Entities,
		variables: deps.Variables,
		worldtime: deps.WorldTime,
		branches:  deps.Branches,
		depgraph:  deps.DepGraph,
	}
}

// Register mounts every route under basePath.
func Register(router *gin.Engine, s *Server, basePath string) {
	group := router.Group(basePath)

	group.GET("/health/live", s.GetLiveness)
	group.GET("/health/ready", s.GetReadiness)

	group.POST("/entities", s.CreateEntity)
	group.GET("/entities/:id", s.GetEntity)
	group.PATCH("/entities/:id", s.UpdateEntity)
	group.DELETE("/entities/:id", s.DeleteEntity)
	group.POST("/entities/:id/archive", s.ArchiveEntity)
	group.POST("/entities/:id/restore", s.RestoreEntity)
	group.GET("/entities/:id/as-of", s.GetEntityAsOf)
	group.GET("/entity-types/:type/children", s.ListEntityChildren)
	group.GET("/entity-types/:type/versions", s.ListEntityVersionsForBranch)

	group.POST("/variables", s.CreateVariable)
	group.GET("/variables/:id", s.GetVariable)
	group.PATCH("/variables/:id", s.UpdateVariable)
	group.DELETE("/variables/:id", s.DeleteVariable)
	group.POST("/variables/:id/toggle", s.ToggleVariable)
	group.POST("/variables/:id/evaluate", s.EvaluateVariable)
	group.GET("/variables/:id/history", s.GetVariableHistory)
	group.GET("/variables/:id/as-of", s.GetVariableAsOf)

	group.POST("/campaigns/:campaignId/world-time/advance", s.AdvanceWorldTime)
	group.GET("/campaigns/:campaignId/dependency-graph", s.GetDependencyGraph)

	group.POST("/branches/fork", s.ForkBranch)
	group.GET("/campaigns/:campaignId/branches", s.ListBranches)
	group.GET("/campaigns/:campaignId/branches/tree", s.GetBranchTree)
	group.GET("/branches/common-ancestor", s.FindCommonAncestor)
	group.POST("/branches/merge/preview", s.PreviewMerge)
	group.POST("/branches/merge/execute", s.ExecuteMerge)
	group.POST("/branches/cherry-pick", s.CherryPick)
	group.GET("/branches/:id/history", s.GetMergeHistory)
}

// userID returns the authenticated caller's id, or "" if unauthenticated.
func userID(c *gin.Context) string {
	return middleware.GetUserID(c.Request.Context())
}

// writeError maps a service error onto the appropriate HTTP status, via the
// same AppError shape internal/api/middleware.ErrorHandler understands.
func writeError(c *gin.Context, err error) {
	c.Error(err) //nolint:errcheck // consumed by middleware.ErrorHandler
	c.Abort()
}

// writeJSON writes a successful JSON response.
func writeJSON(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": message})
}
