package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

var versionJSON bool

// versionCmd implements the version command.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of pgnodes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		if !versionJSON {
			fmt.Fprintf(out, "pgnodes %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
			fmt.Fprintf(out, "Host capabilities: %s\n", cliHostVersion)
			return nil
		}

		doc := []byte(`{}`)
		for _, kv := range [][2]string{
			{"version", version},
			{"commit", commit},
			{"date", date},
			{"hostVersion", cliHostVersion},
		} {
			var err error
			if doc, err = sjson.SetBytes(doc, kv[0], kv[1]); err != nil {
				return err
			}
		}
		_, err := out.Write(pretty.Pretty(doc))
		return err
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(versionCmd)
}
