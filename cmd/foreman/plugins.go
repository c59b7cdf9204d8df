package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/foreman/internal/defaults"
	"github.com/neboloop/foreman/internal/plugins"
)

// PluginsCmd creates the plugins management command
func PluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Manage skills and MCP servers",
		Long: `Skills (SKILL.md) and MCP servers (MCP.md) are loaded from the plugin
directories, by default <data dir>/skills and <data dir>/mcps.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered skills and MCP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, dirs, err := loadRegistry()
			if err != nil {
				return err
			}
			listPlugins(reg, dirs)
			return nil
		},
	})

	var timeout time.Duration
	check := &cobra.Command{
		Use:   "check <mcp>",
		Short: "Connect to an MCP server and list its tools",
		Long: `Resolves the server's env: secrets from the environment, connects with the
MCP client and lists the tools the server exposes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := loadRegistry()
			if err != nil {
				return err
			}
			desc, ok := reg.ResolveCapability(args[0])
			if !ok {
				return fmt.Errorf("no MCP server named or providing %q", args[0])
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := plugins.Preflight(ctx, desc, os.LookupEnv)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d tools\n", res.Server, len(res.Tools))
			for _, t := range res.Tools {
				fmt.Printf("  - %s\n", t)
			}
			return nil
		},
	}
	check.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "connection timeout")
	cmd.AddCommand(check)

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Restore the bundled skills and MCP descriptors",
		Long:  `Overwrites the bundled descriptors in the data directory. Descriptors you added are left alone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, dataDir, err := loadConfig()
			if err != nil {
				return err
			}
			if err := defaults.Reset(dataDir); err != nil {
				return err
			}
			names, _ := defaults.ListDefaults()
			fmt.Printf("Restored %d files in %s\n", len(names), dataDir)
			return nil
		},
	})

	return cmd
}

func loadRegistry() (*plugins.Registry, []string, error) {
	c, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if _, err := defaults.EnsureDataDir(); err != nil {
		return nil, nil, err
	}
	reg, err := plugins.Load(c.Plugins.Dirs, plugins.BuiltinHandlers())
	if err != nil {
		return nil, c.Plugins.Dirs, err
	}
	return reg, c.Plugins.Dirs, nil
}

func listPlugins(reg *plugins.Registry, dirs []string) {
	skills := reg.Skills()
	mcps := reg.MCPs()

	if len(skills) == 0 && len(mcps) == 0 {
		fmt.Println("No plugins loaded.")
		fmt.Printf("\nPlugin directories: %s\n", strings.Join(dirs, ", "))
		return
	}

	if len(skills) > 0 {
		fmt.Println("Skills:")
		for _, s := range skills {
			fmt.Printf("  - %s [%s]: %s\n", s.Name, strings.Join(s.Intents, ", "), s.Description)
		}
	}

	if len(mcps) > 0 {
		fmt.Println("MCP servers:")
		for _, m := range mcps {
			line := fmt.Sprintf("  - %s (%s)", m.Name, m.Handler)
			if len(m.Capabilities) > 0 {
				line += " provides " + strings.Join(m.Capabilities, ", ")
			}
			if refs := m.SecretRefs(); len(refs) > 0 {
				line += "; needs " + strings.Join(refs, ", ")
			}
			fmt.Println(line)
		}
	}
}
