package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/doublegate/VeridianOS-sub004/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "coresim %s\n", buildinfo.String())
	},
}
