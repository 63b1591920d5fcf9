package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/stagezero/stagezero/internal/firmware"
	"github.com/stagezero/stagezero/internal/pcbios"
)

func inspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <image>",
		Short: "Show basic facts about a boot image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open image: %w", err)
			}
			defer f.Close()

			r, format, err := pcbios.ImageReader(f)
			if err != nil {
				return err
			}

			img, err := pcbios.LoadImage(r, io.Discard)
			if err != nil {
				return err
			}

			fmt.Printf("Format:         %s\n", format)
			fmt.Printf("Sectors:        %d (%d bytes)\n",
				img.Sectors(), img.Sectors()*firmware.SectorSize)
			if img.BootSignatureValid() {
				fmt.Printf("Boot signature: 0x55AA (valid)\n")
			} else {
				fmt.Printf("Boot signature: missing\n")
			}

			return nil
		},
	}
}
