// Package connection_tools provides MCP tools for connecting Gmail accounts
// and managing the resulting connections.
//
// The authorization flow:
//  1. Call gmail_get_auth_url with the user id to get the consent URL
//  2. The user visits the URL and grants access
//  3. The provider redirects to the callback with code and state; when the
//     callback is not served by this process, pass both to
//     gmail_handle_oauth_callback
//
// gmail_list_connections, gmail_check_connection and gmail_disconnect
// inspect and remove connections. gmail_check_setup reports whether storage
// and the encryption key are usable. Token material is never returned.
package connection_tools
