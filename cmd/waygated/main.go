// Command waygated runs the multi-tenant OIDC provider's HTTP surface.
// Grounded on the teacher's cmd/dex, adapted from dex's single cobra root
// wrapping serve/poke/version into one wrapping serve/migrate/version.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "waygated",
		Short: "waygated is a multi-tenant OpenID Connect provider",
	}
	cmd.AddCommand(commandServe())
	cmd.AddCommand(commandMigrate())
	cmd.AddCommand(commandVersion())
	return cmd
}
