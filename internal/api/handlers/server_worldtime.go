package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"campaignstate.io/core/internal/worldtime"
)

type advanceWorldTimeRequest struct {
	To              int64   `json:"to"`
	BranchID        *string `json:"branchId"`
	InvalidateCache bool    `json:"invalidateCache"`
	AllowRewind     bool    `json:"allowRewind"`
}

// AdvanceWorldTime handles POST /campaigns/:campaignId/world-time/advance.
func (s *Server) AdvanceWorldTime(c *gin.Context) {
	var req advanceWorldTimeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	campaign, err := s.worldtime.Advance(c.Request.Context(), c.Param("campaignId"), worldtime.AdvanceInput{
		To: req.To, BranchID: req.BranchID, InvalidateCache: req.InvalidateCache, AllowRewind: req.AllowRewind,
	}, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, campaign)
}

// GetDependencyGraph handles GET /campaigns/:campaignId/dependency-graph?branchId=.
func (s *Server) GetDependencyGraph(c *gin.Context) {
	graph, err := s.depgraph.GetGraph(c.Request.Context(), c.Param("campaignId"), c.Query("branchId"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, graph)
}
