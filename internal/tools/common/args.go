package common

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
)

// StringArg returns the string argument name, or "" when it is missing or
// not a string.
func StringArg(args map[string]interface{}, name string) string {
	if v, ok := args[name].(string); ok {
		return v
	}
	return ""
}

// RequiredStringArg returns the non-empty string argument name.
func RequiredStringArg(args map[string]interface{}, name string) (string, error) {
	v := StringArg(args, name)
	if v == "" {
		return "", fmt.Errorf("'%s' is required", name)
	}
	return v, nil
}

// BoolArg returns the boolean argument name, or def when it is missing.
// String values such as "true" are accepted for clients that send every
// argument as a string.
func BoolArg(args map[string]interface{}, name string, def bool) (bool, error) {
	switch v := args[name].(type) {
	case nil:
		return def, nil
	case bool:
		return v, nil
	case string:
		if v == "" {
			return def, nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("'%s' must be a boolean", name)
		}
		return b, nil
	default:
		return false, fmt.Errorf("'%s' must be a boolean", name)
	}
}

// JSONResult renders v as an indented JSON text result.
func JSONResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
