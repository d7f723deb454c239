package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"campaignstate.io/core/internal/domain"
	"campaignstate.io/core/internal/entitystore"
)

type createEntityRequest struct {
	ID         string              `json:"id"`
	Type       domain.EntityType   `json:"type"`
	CampaignID string              `json:"campaignId"`
	WorldID    string              `json:"worldId"`
	ParentID   *string             `json:"parentId"`
	Fields     map[string]any      `json:"fields"`
	BranchID   string              `json:"branchId"`
	WorldTime  *int64              `json:"worldTime"`
}

// CreateEntity handles POST /entities.
func (s *Server) CreateEntity(c *gin.Context) {
	var req createEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	e, err := s.entities.Create(c.Request.Context(), entitystore.CreateInput{
		ID: req.ID, Type: req.Type, CampaignID: req.CampaignID, WorldID: req.WorldID,
		ParentID: req.ParentID, Fields: req.Fields, BranchID: req.BranchID, WorldTime: req.WorldTime,
	}, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, e)
}

// GetEntity handles GET /entities/:id.
func (s *Server) GetEntity(c *gin.Context) {
	e, err := s.entities.FindByID(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, e)
}

type updateEntityRequest struct {
	Patch           map[string]any `json:"patch"`
	ExpectedVersion int64          `json:"expectedVersion"`
	BranchID        string         `json:"branchId"`
	WorldTime       *int64         `json:"worldTime"`
}

// UpdateEntity handles PATCH /entities/:id.
func (s *Server) UpdateEntity(c *gin.Context) {
	var req updateEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	e, err := s.entities.Update(c.Request.Context(), c.Param("id"), entitystore.UpdateInput{
		Patch: req.Patch, ExpectedVersion: req.ExpectedVersion, BranchID: req.BranchID, WorldTime: req.WorldTime,
	}, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, e)
}

// DeleteEntity handles DELETE /entities/:id.
func (s *Server) DeleteEntity(c *gin.Context) {
	if err := s.entities.Delete(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ArchiveEntity handles POST /entities/:id/archive.
func (s *Server) ArchiveEntity(c *gin.Context) {
	if err := s.entities.Archive(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RestoreEntity handles POST /entities/:id/restore.
func (s *Server) RestoreEntity(c *gin.Context) {
	if err := s.entities.Restore(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetEntityAsOf handles GET /entities/:id/as-of?type=&branchId=&worldTime=.
func (s *Server) GetEntityAsOf(c *gin.Context) {
	entityType := domain.EntityType(c.Query("type"))
	branchID := c.Query("branchId")
	worldTime, err := strconv.ParseInt(c.Query("worldTime"), 10, 64)
	if err != nil {
		badRequest(c, "worldTime must be an integer")
		return
	}

	fields, err := s.entities.GetAsOf(c.Request.Context(), entityType, c.Param("id"), branchID, worldTime, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, fields)
}

// ListEntityVersionsForBranch handles
// GET /entity-types/:type/versions?branchId=&worldTime=.
func (s *Server) ListEntityVersionsForBranch(c *gin.Context) {
	entityType := domain.EntityType(c.Param("type"))
	branchID := c.Query("branchId")
	worldTime, err := strconv.ParseInt(c.Query("worldTime"), 10, 64)
	if err != nil {
		badRequest(c, "worldTime must be an integer")
		return
	}

	snapshots, err := s.entities.ListVersionsForBranchAndType(c.Request.Context(), entityType, branchID, worldTime, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, snapshots)
}

// ListEntityChildren handles GET /entity-types/:type/children?parentId=.
func (s *Server) ListEntityChildren(c *gin.Context) {
	entityType := domain.EntityType(c.Param("type"))
	parentID := c.Query("parentId")

	children, err := s.entities.FindByParent(c.Request.Context(), entityType, parentID, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, children)
}
