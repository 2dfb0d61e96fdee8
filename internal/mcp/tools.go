package mcp

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/keyward/keyward/internal/model"
	"github.com/keyward/keyward/internal/quota"
	"github.com/keyward/keyward/internal/store"
)

const (
	defaultUsageEntries = 20
	maxUsageEntries     = 500
)

// registerTools adds the keyward tools to srv. Mutating tools are only
// registered when writes is set.
func (s *Server) registerTools(srv *server.MCPServer, writes bool) {
	srv.AddTool(
		mcp.NewTool("keyward_list_owners",
			mcp.WithDescription("List owner accounts with their email, name and whether they are active."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListOwners,
	)

	srv.AddTool(
		mcp.NewTool("keyward_list_credentials",
			mcp.WithDescription(
				"List API keys with label, display prefix, scopes, monthly limit and usage. "+
					"Secrets and fingerprints used for verification are never returned.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("owner",
				mcp.Description("Only list keys of this owner, by email or ID"),
			),
			mcp.WithBoolean("active_only",
				mcp.Description("Skip revoked and expired keys"),
			),
		),
		s.handleListCredentials,
	)

	srv.AddTool(
		mcp.NewTool("keyward_get_credential",
			mcp.WithDescription("Get one API key by ID."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("id", mcp.Required(), mcp.Description("Credential ID")),
		),
		s.handleGetCredential,
	)

	srv.AddTool(
		mcp.NewTool("keyward_quota_status",
			mcp.WithDescription(
				"Show how many units an API key has used this calendar month, its limit, "+
					"what remains and when the counter resets.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("id", mcp.Required(), mcp.Description("Credential ID")),
		),
		s.handleQuotaStatus,
	)

	srv.AddTool(
		mcp.NewTool("keyward_usage_log",
			mcp.WithDescription(
				"Recent gated requests made with an API key, newest first: endpoint, "+
					"outcome, status code, units charged and latency.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("id", mcp.Required(), mcp.Description("Credential ID")),
			mcp.WithNumber("limit", mcp.Description("Entries to return (default 20, max 500)")),
		),
		s.handleUsageLog,
	)

	if !writes {
		return
	}

	srv.AddTool(
		mcp.NewTool("keyward_revoke_credential",
			mcp.WithDescription("Revoke an API key permanently. Requests using it fail from then on."),
			mcp.WithToolAnnotation(destructiveAnnotation()),
			mcp.WithString("id", mcp.Required(), mcp.Description("Credential ID")),
		),
		s.handleRevokeCredential,
	)

	srv.AddTool(
		mcp.NewTool("keyward_reset_usage",
			mcp.WithDescription("Zero the monthly usage counter of an API key."),
			mcp.WithToolAnnotation(destructiveAnnotation()),
			mcp.WithString("id", mcp.Required(), mcp.Description("Credential ID")),
		),
		s.handleResetUsage,
	)
}

func (s *Server) handleListOwners(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owners, err := s.store.ListOwners(ctx)
	if err != nil {
		return toolError("list owners: %v", err)
	}
	if owners == nil {
		owners = []model.Owner{}
	}
	return successJSON(map[string]any{"owners": owners, "count": len(owners)})
}

func (s *Server) handleListCredentials(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		creds []model.Credential
		err   error
	)
	if ref := request.GetString("owner", ""); ref != "" {
		owner, lookupErr := s.lookupOwner(ctx, ref)
		if lookupErr != nil {
			return toolError("%v", lookupErr)
		}
		if _, err := s.quota.EnsureFreshForOwner(ctx, owner.ID); err != nil {
			return toolError("%v", err)
		}
		creds, err = s.store.ListCredentialsByOwner(ctx, owner.ID)
	} else {
		if _, err := s.quota.ResetAll(ctx); err != nil {
			return toolError("%v", err)
		}
		creds, err = s.store.ListCredentials(ctx)
	}
	if err != nil {
		return toolError("list credentials: %v", err)
	}

	activeOnly := request.GetBool("active_only", false)
	now := time.Now()
	out := make([]model.Credential, 0, len(creds))
	for _, c := range creds {
		if activeOnly && (!c.IsActive || c.IsExpired(now)) {
			continue
		}
		out = append(out, c)
	}
	return successJSON(map[string]any{"credentials": out, "count": len(out)})
}

func (s *Server) handleGetCredential(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, result := s.loadCredential(ctx, request)
	if result != nil {
		return result, nil
	}
	return successJSON(c)
}

func (s *Server) handleQuotaStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, result := s.loadCredential(ctx, request)
	if result != nil {
		return result, nil
	}
	status := s.quota.CheckRemaining(c, 0)
	return successJSON(map[string]any{
		"credential_id": c.ID,
		"usage":         status.Usage,
		"limit":         status.Limit,
		"remaining":     status.Remaining,
		"exhausted":     !status.Allowed,
		"resets_at":     quota.PeriodStart(time.Now()).AddDate(0, 1, 0),
	})
}

func (s *Server) handleUsageLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, result := s.loadCredential(ctx, request)
	if result != nil {
		return result, nil
	}
	limit := clamp(request.GetInt("limit", defaultUsageEntries), 1, maxUsageEntries)
	entries, err := s.store.ListUsageLog(ctx, c.ID, limit)
	if err != nil {
		return toolError("list usage log: %v", err)
	}
	return successJSON(map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleRevokeCredential(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "id")
	if err != nil {
		return toolError("%v", err)
	}
	if err := s.store.Deactivate(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return toolError("credential %q not found", id)
		}
		return toolError("revoke credential: %v", err)
	}
	s.logger.Info("credential revoked over MCP", "credential_id", id)
	return successJSON(map[string]any{"success": true, "message": "Credential revoked"})
}

func (s *Server) handleResetUsage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "id")
	if err != nil {
		return toolError("%v", err)
	}
	if err := s.quota.Reset(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return toolError("credential %q not found", id)
		}
		return toolError("%v", err)
	}
	s.logger.Info("usage reset over MCP", "credential_id", id)
	c, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return toolError("get credential: %v", err)
	}
	return successJSON(c)
}

// loadCredential fetches the credential named by the "id" argument and
// rolls its counter over if the month changed. A non-nil result is a tool
// error to return as is.
func (s *Server) loadCredential(ctx context.Context, request mcp.CallToolRequest) (*model.Credential, *mcp.CallToolResult) {
	id, err := requireString(request, "id")
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	c, err := s.store.GetCredential(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, mcp.NewToolResultError("credential " + id + " not found")
	}
	if err != nil {
		return nil, mcp.NewToolResultError("get credential: " + err.Error())
	}
	if _, err := s.quota.EnsureFresh(ctx, c); err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	return c, nil
}

func (s *Server) lookupOwner(ctx context.Context, ref string) (*model.Owner, error) {
	var (
		owner *model.Owner
		err   error
	)
	if strings.Contains(ref, "@") {
		owner, err = s.store.GetOwnerByEmail(ctx, ref)
	} else {
		owner, err = s.store.GetOwner(ctx, ref)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.New("owner " + ref + " not found")
	}
	return owner, err
}
