package connection_tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/mailboxauth/internal/config"
	"github.com/teemow/mailboxauth/internal/connections"
	"github.com/teemow/mailboxauth/internal/oauth"
	"github.com/teemow/mailboxauth/internal/server"
	"github.com/teemow/mailboxauth/internal/storage"
	"github.com/teemow/mailboxauth/internal/tools/common"
)

// RegisterConnectionTools registers the connection tools with the MCP server.
// In read-only mode the tools that create or remove connections are skipped.
func RegisterConnectionTools(s *mcpserver.MCPServer, sc *server.ServerContext, readOnly bool) error {
	listTool := mcp.NewTool("gmail_list_connections",
		mcp.WithDescription("List the Gmail accounts connected by a user"),
		mcp.WithString("user_id",
			mcp.Description("The user whose connections to list. Lists every user's connections when omitted."),
		),
		mcp.WithBoolean("include_inactive",
			mcp.Description("Include connections that need reauthorization (default: false)"),
		),
	)
	s.AddTool(listTool, common.InstrumentedToolHandler("gmail_list_connections", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleListConnections(ctx, request, sc)
	}))

	checkTool := mcp.NewTool("gmail_check_connection",
		mcp.WithDescription("Check whether a Gmail connection can produce a valid access token, refreshing it if needed"),
		mcp.WithString("connection_id",
			mcp.Required(),
			mcp.Description("The connection to check"),
		),
	)
	s.AddTool(checkTool, common.InstrumentedToolHandler("gmail_check_connection", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleCheckConnection(ctx, request, sc)
	}))

	setupTool := mcp.NewTool("gmail_check_setup",
		mcp.WithDescription("Check that storage is reachable and the encryption key opens the stored connections, without contacting Google"),
	)
	s.AddTool(setupTool, common.InstrumentedToolHandler("gmail_check_setup", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleCheckSetup(ctx, request, sc)
	}))

	if readOnly {
		return nil
	}

	authURLTool := mcp.NewTool("gmail_get_auth_url",
		mcp.WithDescription("Get the Google consent URL that connects a Gmail account for a user"),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("The user the new connection belongs to"),
		),
		mcp.WithString("scopes",
			mcp.Description("Comma-separated OAuth scopes (default: the configured scopes)"),
		),
		mcp.WithString("redirect_uri",
			mcp.Description("Callback URI registered with Google (default: the configured URI)"),
		),
	)
	s.AddTool(authURLTool, common.InstrumentedToolHandler("gmail_get_auth_url", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleGetAuthURL(ctx, request, sc)
	}))

	callbackTool := mcp.NewTool("gmail_handle_oauth_callback",
		mcp.WithDescription("Complete a Gmail authorization with the code and state from the OAuth callback"),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("The authorization code from the callback"),
		),
		mcp.WithString("state",
			mcp.Required(),
			mcp.Description("The state from the callback"),
		),
	)
	s.AddTool(callbackTool, common.InstrumentedToolHandler("gmail_handle_oauth_callback", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleOAuthCallback(ctx, request, sc)
	}))

	disconnectTool := mcp.NewTool("gmail_disconnect",
		mcp.WithDescription("Disconnect a Gmail account, optionally revoking its tokens at Google"),
		mcp.WithString("connection_id",
			mcp.Required(),
			mcp.Description("The connection to disconnect"),
		),
		mcp.WithBoolean("revoke",
			mcp.Description("Revoke the tokens at Google (default: true)"),
		),
		mcp.WithBoolean("purge",
			mcp.Description("Delete the connection instead of deactivating it (default: false)"),
		),
	)
	s.AddTool(disconnectTool, common.InstrumentedToolHandler("gmail_disconnect", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleDisconnect(ctx, request, sc)
	}))

	return nil
}

type authURLResult struct {
	AuthURL   string    `json:"auth_url"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
}

func handleGetAuthURL(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	userID, err := common.RequiredStringArg(args, "user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	scopes := config.ParseList(common.StringArg(args, "scopes"))

	req, err := sc.Controller().BeginAuthorization(ctx, userID, scopes, common.StringArg(args, "redirect_uri"))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start authorization: %v", err)), nil
	}

	return common.JSONResult(authURLResult{
		AuthURL:   req.URL,
		State:     req.StateToken,
		ExpiresAt: req.ExpiresAt,
	})
}

type callbackResult struct {
	ConnectionID string `json:"connection_id"`
	AccountEmail string `json:"gmail_address"`
}

func handleOAuthCallback(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	code, err := common.RequiredStringArg(args, "code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	state, err := common.RequiredStringArg(args, "state")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	conn, err := sc.Controller().CompleteAuthorization(ctx, code, state)
	if err != nil {
		if ae, ok := oauth.AsAuthError(err); ok {
			return mcp.NewToolResultError(fmt.Sprintf("Authorization failed (%s): %s", ae.Code, ae.Message)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Authorization failed: %v", err)), nil
	}

	return common.JSONResult(callbackResult{ConnectionID: conn.ID, AccountEmail: conn.AccountAddress})
}

func handleListConnections(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	includeInactive, err := common.BoolArg(args, "include_inactive", false)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	infos, err := sc.Connections().ListConnections(ctx, common.StringArg(args, "user_id"), includeInactive)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list connections: %v", err)), nil
	}
	return common.JSONResult(map[string][]connections.ConnectionInfo{"connections": infos})
}

func handleCheckConnection(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	id, err := common.RequiredStringArg(request.GetArguments(), "connection_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	status, err := sc.Connections().CheckConnection(ctx, id)
	if err != nil {
		return connectionError(id, err), nil
	}
	return common.JSONResult(status)
}

type setupResult struct {
	*connections.SetupReport
	RedirectURI   string   `json:"redirect_uri"`
	DefaultScopes []string `json:"default_scopes"`
}

func handleCheckSetup(ctx context.Context, _ mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	return common.JSONResult(setupResult{
		SetupReport:   sc.Connections().CheckSetup(ctx),
		RedirectURI:   sc.Controller().RedirectURI(),
		DefaultScopes: sc.Controller().DefaultScopes(),
	})
}

func handleDisconnect(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	id, err := common.RequiredStringArg(args, "connection_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	revoke, err := common.BoolArg(args, "revoke", true)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	purge, err := common.BoolArg(args, "purge", false)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var opts []connections.DisconnectOption
	if purge {
		opts = append(opts, connections.WithPurge())
	}

	result, err := sc.Connections().Disconnect(ctx, id, revoke, opts...)
	if err != nil {
		return connectionError(id, err), nil
	}
	return common.JSONResult(result)
}

func connectionError(id string, err error) *mcp.CallToolResult {
	if errors.Is(err, storage.ErrConnectionNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("Connection %s not found", id))
	}
	return mcp.NewToolResultError(fmt.Sprintf("Connection %s: %v", id, err))
}
