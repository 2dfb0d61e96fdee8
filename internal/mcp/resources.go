package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const statsURI = "keyward://stats"

// Stats summarizes the credential store.
type Stats struct {
	Owners      int       `json:"owners"`
	Credentials int       `json:"credentials"`
	Active      int       `json:"active"`
	Revoked     int       `json:"revoked"`
	Expired     int       `json:"expired"`
	Legacy      int       `json:"legacy"`
	Exhausted   int       `json:"exhausted"`
	GeneratedAt time.Time `json:"generated_at"`
}

func (s *Server) registerResources(srv *server.MCPServer) {
	srv.AddResource(
		mcp.NewResource(statsURI, "Credential statistics",
			mcp.WithResourceDescription("Counts of owners and API keys by state, including keys still on single-round verification."),
			mcp.WithMIMEType("application/json"),
		),
		s.handleStatsResource,
	)
}

func (s *Server) handleStatsResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	stats, err := s.stats(ctx)
	if err != nil {
		return nil, err
	}
	b, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal stats: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func (s *Server) stats(ctx context.Context) (*Stats, error) {
	owners, err := s.store.ListOwners(ctx)
	if err != nil {
		return nil, err
	}
	creds, err := s.store.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	st := &Stats{
		Owners:      len(owners),
		Credentials: len(creds),
		GeneratedAt: now,
	}
	for i := range creds {
		c := &creds[i]
		switch {
		case !c.IsActive:
			st.Revoked++
		case c.IsExpired(now):
			st.Expired++
		default:
			st.Active++
		}
		if c.IsLegacy() {
			st.Legacy++
		}
		if c.IsActive && c.RemainingUnits() == 0 {
			st.Exhausted++
		}
	}
	return st, nil
}
