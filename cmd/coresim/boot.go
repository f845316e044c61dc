package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/doublegate/VeridianOS-sub004/kernel"
)

var dumpConfig bool

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Boot a kernel and print its memory and core layout",
	RunE:  runBoot,
}

func init() {
	bootCmd.Flags().BoolVar(&dumpConfig, "dump-config", false, "print the effective configuration as YAML")
}

func runBoot(cmd *cobra.Command, args []string) (err error) {
	out := cmd.OutOrStdout()
	if dumpConfig {
		data, err := cfg.Marshal()
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		if _, err := out.Write(data); err != nil {
			return err
		}
	}

	k, err := kernel.Boot(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, k.Shutdown()) }()

	printLayout(out, k)
	return nil
}

func printLayout(out io.Writer, k *kernel.Kernel) {
	st := k.Stats()
	fmt.Fprintf(out, "boot id   %s\n", st.BootID)
	for _, ts := range st.Memory.Tiers {
		if ts.Total == 0 {
			continue
		}
		fmt.Fprintf(out, "tier      %-10v %8d frames, %8d free\n", ts.Tier, ts.Total, ts.Free)
	}
	for _, c := range k.Scheduler().Topology().Cores {
		fmt.Fprintf(out, "core %-4d %-11v node %d\n", c.ID, c.Type, c.Node)
	}
	fmt.Fprintf(out, "root tid  %d\n", k.RootThread())
}
