package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"campaignstate.io/core/internal/branch"
	"campaignstate.io/core/internal/domain"
)

// parseBranchFilter reads the shared isPinned/tags query params used by
// both ListBranches and GetBranchTree.
func parseBranchFilter(c *gin.Context) (branch.BranchFilter, error) {
	var filter branch.BranchFilter
	if raw := c.Query("isPinned"); raw != "" {
		pinned, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, err
		}
		filter.IsPinned = &pinned
	}
	if raw := c.Query("tags"); raw != "" {
		filter.Tags = strings.Split(raw, ",")
	}
	return filter, nil
}

type forkBranchRequest struct {
	ParentBranchID string `json:"parentBranchId"`
	Name           string `json:"name"`
	WorldTime      int64  `json:"worldTime"`
}

// ForkBranch handles POST /branches/fork.
func (s *Server) ForkBranch(c *gin.Context) {
	var req forkBranchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	child, versionsCopied, err := s.branches.Fork(c.Request.Context(), req.ParentBranchID, req.Name, req.WorldTime, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"branch": child, "versionsCopied": versionsCopied})
}

// ListBranches handles GET /campaigns/:campaignId/branches?isPinned=&tags=.
func (s *Server) ListBranches(c *gin.Context) {
	filter, err := parseBranchFilter(c)
	if err != nil {
		badRequest(c, "isPinned must be a boolean")
		return
	}
	list, err := s.branches.ListBranches(c.Request.Context(), c.Param("campaignId"), userID(c), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, list)
}

// GetBranchTree handles
// GET /campaigns/:campaignId/branches/tree?isPinned=&tags=.
func (s *Server) GetBranchTree(c *gin.Context) {
	filter, err := parseBranchFilter(c)
	if err != nil {
		badRequest(c, "isPinned must be a boolean")
		return
	}
	tree, err := s.branches.GetBranchTree(c.Request.Context(), c.Param("campaignId"), userID(c), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, tree)
}

// FindCommonAncestor handles GET /branches/common-ancestor?a=&b=.
func (s *Server) FindCommonAncestor(c *gin.Context) {
	lca, err := s.branches.FindCommonAncestor(c.Request.Context(), c.Query("a"), c.Query("b"), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, lca)
}

type mergeRequest struct {
	SourceBranchID string              `json:"sourceBranchId"`
	TargetBranchID string              `json:"targetBranchId"`
	WorldTime      int64               `json:"worldTime"`
	Resolutions    []domain.Resolution `json:"resolutions"`
}

// PreviewMerge handles POST /branches/merge/preview.
func (s *Server) PreviewMerge(c *gin.Context) {
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	preview, err := s.branches.PreviewMerge(c.Request.Context(), req.SourceBranchID, req.TargetBranchID, req.WorldTime, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, preview)
}

// ExecuteMerge handles POST /branches/merge/execute.
func (s *Server) ExecuteMerge(c *gin.Context) {
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := s.branches.ExecuteMerge(c.Request.Context(), req.SourceBranchID, req.TargetBranchID, req.WorldTime, req.Resolutions, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
	}
	writeJSON(c, status, result)
}

type cherryPickRequest struct {
	SourceVersionID string              `json:"sourceVersionId"`
	TargetBranchID  string              `json:"targetBranchId"`
	Resolutions     []domain.Resolution `json:"resolutions"`
}

// CherryPick handles POST /branches/cherry-pick.
func (s *Server) CherryPick(c *gin.Context) {
	var req cherryPickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := s.branches.CherryPick(c.Request.Context(), req.SourceVersionID, req.TargetBranchID, req.Resolutions, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
	}
	writeJSON(c, status, result)
}

// GetMergeHistory handles GET /branches/:id/history.
func (s *Server) GetMergeHistory(c *gin.Context) {
	history, err := s.branches.GetMergeHistory(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, history)
}
