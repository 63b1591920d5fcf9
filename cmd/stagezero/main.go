package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "stagezero: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var debug bool

	root := &cobra.Command{
		Use:   "stagezero",
		Short: "Run and inspect real-mode boot images",
		Long: `stagezero runs the real-mode bring-up sequence against a boot image
on an emulated PC: extended disk loading, the A20 gate, the E820
memory map, VBE display negotiation and the protected-mode switch.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(debug)
		},
	}

	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(bootCommand())
	root.AddCommand(inspectCommand())
	root.AddCommand(modesCommand())

	return root
}
