package middleware

import (
	"context"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"campaignstate.io/core/internal/domain"
)

// RequirePermission returns middleware that checks if the authenticated user
// has a specific global permission (from their platform role).
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, exists := c.Get("permissions")
		if !exists {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code": "FORBIDDEN", "message": "no permissions in context",
			})
			return
		}
		permList, ok := perms.([]string)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code": "FORBIDDEN", "message": "invalid permissions type",
			})
			return
		}

		// platform:admin is the explicit super-admin permission (ADR-0019).
		if slices.Contains(permList, "platform:admin") {
			c.Next()
			return
		}

		if slices.Contains(permList, permission) {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"code": "FORBIDDEN", "message": "insufficient permissions",
		})
	}
}

// ResourceRole represents a user's role on a campaign, expressed as a
// coarse permission tier rather than domain.Role's membership vocabulary.
type ResourceRole string

const (
	ResourceRoleOwner  ResourceRole = "owner"
	ResourceRoleAdmin  ResourceRole = "admin"
	ResourceRoleMember ResourceRole = "member"
	ResourceRoleViewer ResourceRole = "viewer"
)

// resourceRoleOf maps a campaign membership role onto the permission tiers
// RoleCanPerform understands.
func resourceRoleOf(role domain.Role) ResourceRole {
	switch role {
	case domain.RoleOwner:
		return ResourceRoleOwner
	case domain.RoleGM:
		return ResourceRoleAdmin
	case domain.RolePlayer:
		return ResourceRoleMember
	case domain.RoleViewer:
		return ResourceRoleViewer
	default:
		return ""
	}
}

// CampaignMembership resolves a user's role within a campaign. Satisfied by
// internal/repository.CampaignRepository's MembershipRole.
type CampaignMembership interface {
	MembershipRole(ctx context.Context, campaignID, userID string) (domain.Role, bool, error)
}

// CampaignRoleChecker adapts a CampaignMembership lookup to the resource
// permission matrix below. A campaign has no further parent to walk: unlike
// the teacher's VM→Service→System chain, campaign membership is checked
// directly, with the owner implicitly holding the top role.
type CampaignRoleChecker struct {
	campaigns CampaignMembership
	owners    func(ctx context.Context, campaignID string) (string, error)
}

// NewCampaignRoleChecker creates a new checker.
func NewCampaignRoleChecker(campaigns CampaignMembership, owners func(ctx context.Context, campaignID string) (string, error)) *CampaignRoleChecker {
	return &CampaignRoleChecker{campaigns: campaigns, owners: owners}
}

// CheckResourceRole returns the caller's resource role on campaignID, and
// whether any membership (direct or ownership) was found.
func (c *CampaignRoleChecker) CheckResourceRole(ctx context.Context, userID, campaignID string) (ResourceRole, bool, error) {
	if c.owners != nil {
		ownerID, err := c.owners(ctx, campaignID)
		if err != nil {
			return "", false, err
		}
		if ownerID != "" && ownerID == userID {
			return ResourceRoleOwner, true, nil
		}
	}
	role, found, err := c.campaigns.MembershipRole(ctx, campaignID, userID)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, nil
	}
	return resourceRoleOf(role), true, nil
}

// RoleCanPerform checks if a resource role can perform the given action.
func RoleCanPerform(role ResourceRole, action string) bool {
	switch role {
	case ResourceRoleOwner:
		return true
	case ResourceRoleAdmin:
		return action != "transfer_ownership"
	case ResourceRoleMember:
		return action == "view" || action == "create"
	case ResourceRoleViewer:
		return action == "view"
	default:
		return false
	}
}

// RequireResourceAccess returns middleware that checks campaign-level
// permissions. It first checks global permissions, then falls back to the
// caller's campaign membership role.
func RequireResourceAccess(checker *CampaignRoleChecker, action string, paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. Global permission check: platform:admin allows everything.
		perms, _ := c.Get("permissions")
		if permList, ok := perms.([]string); ok && slices.Contains(permList, "platform:admin") {
			c.Next()
			return
		}

		userID := GetUserID(c.Request.Context())
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code": "FORBIDDEN", "message": "not authenticated",
			})
			return
		}

		campaignID := c.Param(paramName)
		if campaignID == "" {
			c.Next()
			return
		}

		// 2. Campaign-level permission check.
		role, found, err := checker.CheckResourceRole(c.Request.Context(), userID, campaignID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code": "INTERNAL_ERROR", "message": "permission check failed",
			})
			return
		}

		if !found || !RoleCanPerform(role, action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code": "FORBIDDEN", "message": "insufficient resource permissions",
			})
			return
		}

		c.Next()
	}
}
