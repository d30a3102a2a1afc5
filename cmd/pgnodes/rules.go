package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/dshills/pgnodes/internal/config"
	"github.com/dshills/pgnodes/internal/logging"
	"github.com/dshills/pgnodes/internal/vars"
)

var rulesJSON bool

// rulesCmd implements the rules command.
var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List the type and member rules in effect",
	Long: `List the rules pgnodes classifies variables with: the built-in PostgreSQL
types plus the configured rules file (pgnodes.rulesFile).

Examples:
  pgnodes rules
  pgnodes rules --config ./pgnodes.yaml --json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		file, err := store.GetString(config.KeyRulesFile)
		if err != nil {
			return err
		}
		nodes, members, err := loadRegistries(file)
		if err != nil {
			return err
		}
		return printRules(cmd.OutOrStdout(), nodes, members, rulesJSON)
	},
}

func init() {
	rulesCmd.Flags().BoolVar(&rulesJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(rulesCmd)
}

// loadRegistries builds the registries the way activation does.
func loadRegistries(rulesFile string) (*vars.NodeVarRegistry, *vars.SpecialMemberRegistry, error) {
	log := logging.NewChannelLogger(slog.Default().Handler()).WithComponent("rules")

	nodes := vars.NewNodeVarRegistry()
	members := vars.NewSpecialMemberRegistry()
	vars.RegisterPostgres(nodes, members, log)
	if rulesFile != "" {
		rf, err := vars.LoadRules(rulesFile)
		if err != nil {
			return nil, nil, err
		}
		n := rf.Apply(nodes, members, log)
		slog.Debug("loaded rules", "file", rulesFile, "count", n)
	}
	nodes.Freeze()
	members.Freeze()
	return nodes, members, nil
}

func printRules(out io.Writer, nodes *vars.NodeVarRegistry, members *vars.SpecialMemberRegistry, asJSON bool) error {
	types := nodes.Types()
	kinds := make([]string, len(types))
	for i, t := range types {
		rule, err := nodes.Classify(t)
		if err != nil {
			return err
		}
		kinds[i] = rule.Kind.String()
	}
	memberKeys := members.Members()

	if !asJSON {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "TYPE\tKIND\n")
		for i, t := range types {
			fmt.Fprintf(tw, "%s\t%s\n", t, kinds[i])
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%d special members:\n", len(memberKeys))
		for _, m := range memberKeys {
			fmt.Fprintf(out, "  %s\n", m)
		}
		return nil
	}

	doc := []byte(`{"types":[],"members":[]}`)
	var err error
	for i, t := range types {
		if doc, err = sjson.SetBytes(doc, "types.-1", map[string]string{"type": t, "kind": kinds[i]}); err != nil {
			return err
		}
	}
	for _, m := range memberKeys {
		if doc, err = sjson.SetBytes(doc, "members.-1", m); err != nil {
			return err
		}
	}
	_, err = out.Write(pretty.Pretty(doc))
	return err
}
