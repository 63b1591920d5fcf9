package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stagezero/stagezero/internal/bringup"
	"github.com/stagezero/stagezero/internal/firmware"
	"github.com/stagezero/stagezero/internal/pcbios"
)

func bootCommand() *cobra.Command {
	var (
		planPath string
		memoryMB uint64
		drive    uint8
		noBIOS   bool
	)

	cmd := &cobra.Command{
		Use:   "boot <image>",
		Short: "Run the bring-up sequence against a boot image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan := bringup.DefaultPlan()
			if planPath != "" {
				var err error
				plan, err = bringup.LoadPlan(planPath)
				if err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("drive") {
				plan.Drive = drive
			}

			img, err := openImage(args[0])
			if err != nil {
				return err
			}

			machine, err := pcbios.New(pcbios.Config{
				MemorySize:   memoryMB << 20,
				Image:        img,
				ImageSectors: img.Sectors(),
				Drive:        plan.Drive,
				BIOSA20:      !noBIOS,
			})
			if err != nil {
				return err
			}
			defer machine.Close()

			machine.Screen().KeySource = consoleKeySource()

			seq, err := bringup.NewSequencer(machine, nil, plan, slog.Default())
			if err != nil {
				return err
			}

			handoff, runErr := seq.Run()

			for _, line := range machine.Screen().Lines() {
				fmt.Printf("  | %s\n", line)
			}

			switch {
			case errors.Is(runErr, firmware.ErrRebootRequested):
				return fmt.Errorf("boot failed, guest requested reboot: %w", runErr)
			case errors.Is(runErr, firmware.ErrHalted):
				return fmt.Errorf("boot failed, guest halted: %w", runErr)
			case runErr != nil:
				return runErr
			}

			fmt.Printf("A20:            %s\n", handoff.A20)
			fmt.Printf("Memory ranges:  %d\n", len(handoff.MemoryMap))
			for _, ent := range handoff.MemoryMap {
				fmt.Printf("  %#016x + %#016x  %s\n", ent.Base, ent.Length, ent.Type)
			}
			fmt.Printf("Display:        mode %#04x %dx%d %d bpp at %#08x\n",
				handoff.Display.Mode, handoff.Display.Width, handoff.Display.Height,
				handoff.Display.BitsPerPixel, handoff.Display.Framebuffer)
			fmt.Printf("Protected mode: entry %#08x, GDT at %#08x\n",
				handoff.Entry, handoff.GDTBase)

			return nil
		},
	}

	cmd.Flags().StringVar(&planPath, "plan", "", "boot plan file (YAML)")
	cmd.Flags().Uint64Var(&memoryMB, "memory", 16, "guest memory in MiB")
	cmd.Flags().Uint8Var(&drive, "drive", 0x80, "BIOS drive number")
	cmd.Flags().BoolVar(&noBIOS, "no-bios-a20", false, "disable the INT 15h A20 service")

	return cmd
}

// openImage reads a possibly compressed boot image into memory with a
// progress bar over the file bytes.
func openImage(path string) (*pcbios.DiskImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}

	bar := progressbar.DefaultBytes(fi.Size(), "loading image")
	defer bar.Close()

	r, format, err := pcbios.ImageReader(io.TeeReader(f, bar))
	if err != nil {
		return nil, err
	}

	img, err := pcbios.LoadImage(r, nil)
	if err != nil {
		return nil, err
	}

	slog.Debug("image loaded", "format", format, "sectors", img.Sectors())
	return img, nil
}

// consoleKeySource blocks on a real keystroke when stdin is a terminal
// and falls back to an immediate key otherwise, so scripted runs never
// hang on the press-any-key prompt.
func consoleKeySource() func() byte {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}

	return func() byte {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return 0
		}
		defer term.Restore(fd, oldState)

		var buf [1]byte
		if _, err := os.Stdin.Read(buf[:]); err != nil {
			return 0
		}
		return buf[0]
	}
}
