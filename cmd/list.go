package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"junction/internal/config"
)

var listConfigPath string

// listCmd inspects a configuration file without starting the gateway.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the servers defined in a configuration file",
	Long: `Parses the gateway configuration file and prints the defined
servers and templates, including entries that would be skipped because
they fail validation. Useful to check a config before (re)loading it.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func runList(_ *cobra.Command, _ []string) error {
	cfg, issues, err := config.Load(listConfigPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", listConfigPath, err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"NAME", "KIND", "TRANSPORT", "TAGS", "STATE"})

	names := make([]string, 0, len(cfg.Servers))
	for name := range cfg.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec := cfg.Servers[name]
		state := text.FgGreen.Sprint("enabled")
		if spec.Disabled {
			state = text.FgHiBlack.Sprint("disabled")
		}
		t.AppendRow(table.Row{name, "server", string(spec.Transport()), strings.Join(spec.Tags, ","), state})
	}

	templates := make([]string, 0, len(cfg.Templates))
	for name := range cfg.Templates {
		templates = append(templates, name)
	}
	sort.Strings(templates)
	for _, name := range templates {
		t.AppendRow(table.Row{name, "template", "", "", text.FgCyan.Sprint("on demand")})
	}

	t.Render()

	if len(issues) > 0 {
		fmt.Printf("\n%s\n", text.FgYellow.Sprintf("%d entries skipped:", len(issues)))
		for _, issue := range issues {
			fmt.Printf("  - %s\n", issue.Error())
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listConfigPath, "config", "junction.json", "Gateway configuration file")
}
