// Package cli implements chroniclesctl's Cobra command tree, grounded in
// rzbill-flo's internal/cmd/client package shape (a root command plus
// one command group per resource, each subcommand opening its own
// short-lived connection).
package cli

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs chroniclesctl's root command.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "chroniclesctl",
		Short: "Administrative client for a chroniclesd node",
	}
	root.PersistentFlags().String("network", "tcp", "wire network (tcp or unix)")
	root.PersistentFlags().String("address", "127.0.0.1:2113", "wire address or unix socket path")
	root.PersistentFlags().String("auth-token", "", "auth token, if the node requires one")

	root.AddCommand(newStreamCommand())
	root.AddCommand(newSubscriptionsCommand())
	root.AddCommand(newHealthCommand())
	return root
}
