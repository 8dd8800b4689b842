// Package mcpapi provides a stateless MCP streamable-HTTP adapter.
package mcpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hylla/concord/internal/adapters/server/common"
	"github.com/hylla/concord/internal/domain"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Config captures MCP transport configuration.
type Config struct {
	ServerName    string
	ServerVersion string
	EndpointPath  string
}

// Handler wraps one stateless MCP streamable HTTP handler.
type Handler struct {
	httpHandler http.Handler
}

// NewHandler builds one stateless MCP adapter exposing the coordination tools.
func NewHandler(cfg Config, service common.CoordinationService) (*Handler, error) {
	if service == nil {
		return nil, fmt.Errorf("coordination service is required")
	}
	cfg = normalizeConfig(cfg)

	mcpSrv := mcpserver.NewMCPServer(
		cfg.ServerName,
		cfg.ServerVersion,
		mcpserver.WithToolCapabilities(false),
	)
	registerConflictTools(mcpSrv, service)
	registerLockTools(mcpSrv, service)
	registerPermissionTools(mcpSrv, service)
	registerVersionTools(mcpSrv, service)

	streamable := mcpserver.NewStreamableHTTPServer(
		mcpSrv,
		mcpserver.WithEndpointPath(cfg.EndpointPath),
		mcpserver.WithStateLess(true),
	)
	return &Handler{httpHandler: streamable}, nil
}

// ServeHTTP handles one MCP streamable HTTP request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.httpHandler == nil {
		http.Error(w, "mcp handler unavailable", http.StatusServiceUnavailable)
		return
	}
	h.httpHandler.ServeHTTP(w, r)
}

// normalizeConfig applies deterministic defaults to MCP adapter config.
func normalizeConfig(cfg Config) Config {
	cfg.ServerName = strings.TrimSpace(cfg.ServerName)
	if cfg.ServerName == "" {
		cfg.ServerName = "concord"
	}
	cfg.ServerVersion = strings.TrimSpace(cfg.ServerVersion)
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	cfg.EndpointPath = strings.TrimSpace(cfg.EndpointPath)
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/mcp"
	}
	if !strings.HasPrefix(cfg.EndpointPath, "/") {
		cfg.EndpointPath = "/" + cfg.EndpointPath
	}
	cfg.EndpointPath = "/" + strings.Trim(cfg.EndpointPath, "/")
	return cfg
}

// strategyNames returns supported strategy names for tool enums.
func strategyNames() []string {
	kinds := domain.SupportedStrategies()
	out := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, string(kind))
	}
	return out
}

// registerConflictTools registers detect, list, and resolve conflict tools.
func registerConflictTools(srv *mcpserver.MCPServer, service common.CoordinationService) {
	srv.AddTool(
		mcp.NewTool(
			"concord.detect_conflict",
			mcp.WithDescription("Check whether writing a document from a baseline version would conflict."),
			mcp.WithString("resource_type", mcp.Required(), mcp.Description("Resource type")),
			mcp.WithString("document_id", mcp.Required(), mcp.Description("Document identifier")),
			mcp.WithString("actor_id", mcp.Required(), mcp.Description("Actor about to write")),
			mcp.WithNumber("baseline_version", mcp.Description("Version the actor last read")),
			mcp.WithBoolean("record", mcp.Description("Persist a conflict record when one is found")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args common.DetectConflictRequest
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			if missing := firstMissing(map[string]string{
				"resource_type": args.ResourceType,
				"document_id":   args.DocumentID,
				"actor_id":      args.ActorID,
			}, "resource_type", "document_id", "actor_id"); missing != "" {
				return mcp.NewToolResultError(fmt.Sprintf("invalid_request: required argument %q not found", missing)), nil
			}
			res, err := service.DetectConflict(ctx, args)
			if err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(res)
			if err != nil {
				return nil, fmt.Errorf("encode detect_conflict result: %w", err)
			}
			return result, nil
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"concord.list_conflicts",
			mcp.WithDescription("List conflict records, newest first."),
			mcp.WithString("resource_type", mcp.Description("Filter by resource type")),
			mcp.WithString("document_id", mcp.Description("Filter by document")),
			mcp.WithString("status", mcp.Description("Filter by status"), mcp.Enum("pending", "resolved")),
			mcp.WithNumber("limit", mcp.Description("Maximum rows")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			records, err := service.ListConflicts(ctx, common.ListConflictsRequest{
				ResourceType: req.GetString("resource_type", ""),
				DocumentID:   req.GetString("document_id", ""),
				Status:       req.GetString("status", ""),
				Limit:        req.GetInt("limit", 0),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(map[string]any{
				"conflicts": records,
			})
			if err != nil {
				return nil, fmt.Errorf("encode list_conflicts result: %w", err)
			}
			return result, nil
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"concord.resolve_conflict",
			mcp.WithDescription("Resolve one pending conflict with a named strategy."),
			mcp.WithString("conflict_id", mcp.Required(), mcp.Description("Conflict identifier")),
			mcp.WithString("strategy", mcp.Required(), mcp.Description("Resolution strategy"), mcp.Enum(strategyNames()...)),
			mcp.WithString("actor_id", mcp.Description("Actor resolving the conflict")),
			mcp.WithObject("snapshot", mcp.Description("Selected snapshot for the manual strategy")),
			mcp.WithString("note", mcp.Description("Optional resolution note")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args struct {
				ConflictID string         `json:"conflict_id"`
				Strategy   string         `json:"strategy"`
				ActorID    string         `json:"actor_id"`
				Snapshot   map[string]any `json:"snapshot"`
				Note       string         `json:"note"`
			}
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			if strings.TrimSpace(args.ConflictID) == "" {
				return mcp.NewToolResultError(`invalid_request: required argument "conflict_id" not found`), nil
			}
			res, err := service.ResolveConflict(ctx, common.ResolveConflictRequest{
				ConflictID: args.ConflictID,
				Strategy:   args.Strategy,
				ActorID:    args.ActorID,
				Snapshot:   args.Snapshot,
				Note:       args.Note,
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(res)
			if err != nil {
				return nil, fmt.Errorf("encode resolve_conflict result: %w", err)
			}
			return result, nil
		},
	)
}

// registerLockTools registers the `concord.lock_status` tool.
func registerLockTools(srv *mcpserver.MCPServer, service common.CoordinationService) {
	srv.AddTool(
		mcp.NewTool(
			"concord.lock_status",
			mcp.WithDescription("Report whether a document is locked and by whom."),
			mcp.WithString("resource_type", mcp.Required(), mcp.Description("Resource type")),
			mcp.WithString("document_id", mcp.Required(), mcp.Description("Document identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			resourceType, err := req.RequireString("resource_type")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			documentID, err := req.RequireString("document_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			state, err := service.LockStatus(ctx, common.DocumentRef{ResourceType: resourceType, DocumentID: documentID})
			if err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(state)
			if err != nil {
				return nil, fmt.Errorf("encode lock_status result: %w", err)
			}
			return result, nil
		},
	)
}

// registerPermissionTools registers the `concord.check_permission` tool.
func registerPermissionTools(srv *mcpserver.MCPServer, service common.CoordinationService) {
	srv.AddTool(
		mcp.NewTool(
			"concord.check_permission",
			mcp.WithDescription("Check whether an actor may perform an operation on a resource type."),
			mcp.WithString("actor_id", mcp.Required(), mcp.Description("Actor identifier")),
			mcp.WithString("operation_kind", mcp.Required(), mcp.Description("Operation kind"), mcp.Enum("create", "read", "update", "delete")),
			mcp.WithString("resource_type", mcp.Required(), mcp.Description("Resource type")),
			mcp.WithString("data_owner_id", mcp.Description("Owner of the data when checking ownership")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			actorID, err := req.RequireString("actor_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			operation, err := req.RequireString("operation_kind")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			resourceType, err := req.RequireString("resource_type")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			owner := req.GetString("data_owner_id", "")
			res, err := service.CheckPermission(ctx, common.PermissionRequest{
				ActorID:        actorID,
				OperationKind:  operation,
				ResourceType:   resourceType,
				CheckOwnership: strings.TrimSpace(owner) != "",
				DataOwnerID:    owner,
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(res)
			if err != nil {
				return nil, fmt.Errorf("encode check_permission result: %w", err)
			}
			return result, nil
		},
	)
}

// registerVersionTools registers the `concord.list_versions` tool.
func registerVersionTools(srv *mcpserver.MCPServer, service common.CoordinationService) {
	srv.AddTool(
		mcp.NewTool(
			"concord.list_versions",
			mcp.WithDescription("List a document's version chain in ascending order."),
			mcp.WithString("resource_type", mcp.Required(), mcp.Description("Resource type")),
			mcp.WithString("document_id", mcp.Required(), mcp.Description("Document identifier")),
			mcp.WithNumber("limit", mcp.Description("Maximum rows")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			resourceType, err := req.RequireString("resource_type")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			documentID, err := req.RequireString("document_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			versions, err := service.ListVersions(ctx, common.ListVersionsRequest{
				ResourceType: resourceType,
				DocumentID:   documentID,
				Limit:        req.GetInt("limit", 0),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(map[string]any{
				"versions": versions,
			})
			if err != nil {
				return nil, fmt.Errorf("encode list_versions result: %w", err)
			}
			return result, nil
		},
	)
}

// firstMissing returns the first named argument with an empty value.
func firstMissing(values map[string]string, order ...string) string {
	for _, name := range order {
		if strings.TrimSpace(values[name]) == "" {
			return name
		}
	}
	return ""
}

// invalidRequestToolResult wraps argument binding failures.
func invalidRequestToolResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError("invalid_request: " + err.Error())
}

// toolResultFromError maps service errors into MCP-visible tool errors.
func toolResultFromError(err error) *mcp.CallToolResult {
	if err == nil {
		return mcp.NewToolResultError("unknown error")
	}
	class := common.ClassifyError(err)
	message := class.Code + ": " + err.Error()
	if holder, ok := class.Context["holder_id"].(string); ok && holder != "" {
		message += " (holder_id=" + holder + ")"
	}
	return mcp.NewToolResultError(message)
}
