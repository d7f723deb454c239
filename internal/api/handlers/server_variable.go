package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"campaignstate.io/core/internal/domain"
	"campaignstate.io/core/internal/variables"
)

type createVariableRequest struct {
	ID          string              `json:"id"`
	Scope       domain.Scope        `json:"scope"`
	ScopeID     *string             `json:"scopeId"`
	Key         string              `json:"key"`
	Type        domain.VariableType `json:"type"`
	Value       any                 `json:"value"`
	Formula     map[string]any      `json:"formula"`
	Description string              `json:"description"`
	BranchID    string              `json:"branchId"`
	WorldTime   *int64              `json:"worldTime"`
}

// CreateVariable handles POST /variables.
func (s *Server) CreateVariable(c *gin.Context) {
	var req createVariableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	v, err := s.variables.Create(c.Request.Context(), variables.CreateInput{
		ID: req.ID, Scope: req.Scope, ScopeID: req.ScopeID, Key: req.Key, Type: req.Type,
		Value: req.Value, Formula: req.Formula, Description: req.Description,
		BranchID: req.BranchID, WorldTime: req.WorldTime,
	}, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, v)
}

// GetVariable handles GET /variables/:id.
func (s *Server) GetVariable(c *gin.Context) {
	v, err := s.variables.FindByID(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, v)
}

type updateVariableRequest struct {
	Value           any            `json:"value"`
	Formula         map[string]any `json:"formula"`
	Description     *string        `json:"description"`
	IsActive        *bool          `json:"isActive"`
	ExpectedVersion int64          `json:"expectedVersion"`
	BranchID        string         `json:"branchId"`
	WorldTime       *int64         `json:"worldTime"`
}

// UpdateVariable handles PATCH /variables/:id.
func (s *Server) UpdateVariable(c *gin.Context) {
	var req updateVariableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	v, err := s.variables.Update(c.Request.Context(), c.Param("id"), variables.UpdateInput{
		Value: req.Value, Formula: req.Formula, Description: req.Description, IsActive: req.IsActive,
		ExpectedVersion: req.ExpectedVersion, BranchID: req.BranchID, WorldTime: req.WorldTime,
	}, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, v)
}

// DeleteVariable handles DELETE /variables/:id.
func (s *Server) DeleteVariable(c *gin.Context) {
	if err := s.variables.Delete(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type toggleVariableRequest struct {
	Active bool `json:"active"`
}

// ToggleVariable handles POST /variables/:id/toggle.
func (s *Server) ToggleVariable(c *gin.Context) {
	var req toggleVariableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	v, err := s.variables.ToggleActive(c.Request.Context(), c.Param("id"), req.Active, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, v)
}

type evaluateVariableRequest struct {
	Extra map[string]any `json:"extra"`
}

// EvaluateVariable handles POST /variables/:id/evaluate.
func (s *Server) EvaluateVariable(c *gin.Context) {
	var req evaluateVariableRequest
	_ = c.ShouldBindJSON(&req)

	result, err := s.variables.Evaluate(c.Request.Context(), c.Param("id"), req.Extra, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, result)
}

// GetVariableHistory handles GET /variables/:id/history?branchId=.
func (s *Server) GetVariableHistory(c *gin.Context) {
	history, err := s.variables.GetHistory(c.Request.Context(), c.Param("id"), c.Query("branchId"), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, history)
}

// GetVariableAsOf handles GET /variables/:id/as-of?branchId=&worldTime=.
func (s *Server) GetVariableAsOf(c *gin.Context) {
	worldTime, err := strconv.ParseInt(c.Query("worldTime"), 10, 64)
	if err != nil {
		badRequest(c, "worldTime must be an integer")
		return
	}

	fields, err := s.variables.GetAsOf(c.Request.Context(), c.Param("id"), c.Query("branchId"), worldTime, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, fields)
}
