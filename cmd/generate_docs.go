package cmd

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/mailboxauth/internal/tools/connection_tools"
)

func newGenerateDocsCmd() *cobra.Command {
	var outputFile string

	cmd := &cobra.Command{
		Use:   "generate-docs",
		Short: "Generate MCP tool documentation",
		Long: `Print markdown documentation for every MCP tool the server can register.
The output is built from the registered tool schemas, so it cannot drift from
the handlers. Tools that only exist with --yolo are marked as write tools.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := listTools(false)
			if err != nil {
				return err
			}
			readOnly, err := listTools(true)
			if err != nil {
				return err
			}

			if outputFile == "" {
				writeToolsMarkdown(cmd.OutOrStdout(), all, readOnly)
				return nil
			}
			var sb strings.Builder
			writeToolsMarkdown(&sb, all, readOnly)
			if err := os.WriteFile(outputFile, []byte(sb.String()), 0644); err != nil {
				return fmt.Errorf("failed to write output file: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Documentation written to: %s\n", outputFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default: stdout)")

	return cmd
}

// listTools registers the tools on a throwaway server. Handlers only touch
// the server context when invoked, so a nil one is fine here.
func listTools(readOnly bool) ([]mcp.Tool, error) {
	mcpSrv := mcpserver.NewMCPServer("mailboxauth", version, mcpserver.WithToolCapabilities(true))
	if err := connection_tools.RegisterConnectionTools(mcpSrv, nil, readOnly); err != nil {
		return nil, fmt.Errorf("failed to register connection tools: %w", err)
	}

	tools := make([]mcp.Tool, 0)
	for _, st := range mcpSrv.ListTools() {
		tools = append(tools, st.Tool)
	}
	slices.SortFunc(tools, func(a, b mcp.Tool) int { return strings.Compare(a.Name, b.Name) })
	return tools, nil
}

func writeToolsMarkdown(w io.Writer, all, readOnly []mcp.Tool) {
	fmt.Fprint(w, "# MCP Tools Reference\n\n")
	fmt.Fprint(w, "Tools exposed by `mailboxauth serve`. This file is generated from the tool definitions.\n\n")
	fmt.Fprint(w, "Tools marked *write* are only registered when the server runs with `--yolo`.\n\n")

	for _, tool := range all {
		write := !slices.ContainsFunc(readOnly, func(t mcp.Tool) bool { return t.Name == tool.Name })
		writeToolSection(w, tool, write)
	}
}

func writeToolSection(w io.Writer, tool mcp.Tool, write bool) {
	if write {
		fmt.Fprintf(w, "## %s (write)\n\n", tool.Name)
	} else {
		fmt.Fprintf(w, "## %s\n\n", tool.Name)
	}
	if tool.Description != "" {
		fmt.Fprintf(w, "%s\n\n", tool.Description)
	}

	props := tool.InputSchema.Properties
	if len(props) == 0 {
		fmt.Fprint(w, "_No arguments._\n\n")
		return
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	slices.Sort(names)

	fmt.Fprint(w, "**Arguments:**\n")
	for _, name := range names {
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		typ, _ := prop["type"].(string)
		if typ == "" {
			typ = "any"
		}
		presence := "optional"
		if slices.Contains(tool.InputSchema.Required, name) {
			presence = "required"
		}
		desc, _ := prop["description"].(string)
		fmt.Fprintf(w, "- `%s` (%s, %s): %s\n", name, typ, presence, desc)
	}
	fmt.Fprint(w, "\n")
}
