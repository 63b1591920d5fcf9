package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stagezero/stagezero/internal/pcbios"
	"github.com/stagezero/stagezero/internal/vesa"
)

func modesCommand() *cobra.Command {
	var width, height uint16

	cmd := &cobra.Command{
		Use:   "modes",
		Short: "List the emulated adapter's VBE modes and their scores",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("%-8s %-12s %-5s %-8s %s\n", "MODE", "RESOLUTION", "BPP", "LINEAR", "SCORE")
			for _, m := range pcbios.DefaultModes() {
				linear := "no"
				score := "-"
				if m.Attributes&vesa.ModeAttrLinear != 0 {
					linear = "yes"
					score = fmt.Sprintf("%d", vesa.Score(m.Width, m.Height, width, height))
				}
				fmt.Printf("%#-8.4x %-12s %-5d %-8s %s\n",
					m.Number,
					fmt.Sprintf("%dx%d", m.Width, m.Height),
					m.BitsPerPixel, linear, score)
			}
			return nil
		},
	}

	cmd.Flags().Uint16Var(&width, "width", 1440, "preferred width")
	cmd.Flags().Uint16Var(&height, "height", 900, "preferred height")

	return cmd
}
