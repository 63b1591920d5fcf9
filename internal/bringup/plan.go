package bringup

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Stage names one contiguous run of sectors to pull off the boot disk.
type Stage struct {
	Name    string `yaml:"name"`
	LBA     uint64 `yaml:"lba"`
	Sectors uint32 `yaml:"sectors"`
	Segment uint16 `yaml:"segment"`
}

// Entry is a real-mode far pointer.
type Entry struct {
	Segment uint16 `yaml:"segment"`
	Offset  uint16 `yaml:"offset"`
}

// Display holds the preferred graphics geometry used to score VBE modes.
type Display struct {
	Width  uint16 `yaml:"width"`
	Height uint16 `yaml:"height"`
}

// Plan describes one complete bring-up run.
type Plan struct {
	Drive          uint8   `yaml:"drive"`
	Stages         []Stage `yaml:"stages"`
	Entry          Entry   `yaml:"entry"`
	Display        Display `yaml:"display"`
	ProtectedEntry uint32  `yaml:"protected_entry"`
}

// DefaultPlan loads a second stage from LBA 1 to 0x7E00 and hands over
// to a kernel at the 1 MiB mark.
func DefaultPlan() *Plan {
	return &Plan{
		Drive: 0x80,
		Stages: []Stage{
			{Name: "stage2", LBA: 1, Sectors: 960, Segment: 0x07E0},
		},
		Entry:          Entry{Segment: 0x07E0, Offset: 0x0000},
		Display:        Display{Width: 1440, Height: 900},
		ProtectedEntry: 0x0010_0000,
	}
}

// ParsePlan decodes a plan document and fills in defaults.
func ParsePlan(data []byte) (*Plan, error) {
	plan := DefaultPlan()

	if err := yaml.Unmarshal(data, plan); err != nil {
		return nil, fmt.Errorf("parse boot plan: %w", err)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}

	return plan, nil
}

// LoadPlan reads a plan document from disk.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read boot plan: %w", err)
	}

	return ParsePlan(data)
}

// Validate rejects plans that cannot be executed.
func (p *Plan) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("boot plan: no stages")
	}
	for i, st := range p.Stages {
		if st.Sectors == 0 {
			return fmt.Errorf("boot plan: stage %d (%q) has zero sectors", i, st.Name)
		}
	}
	if p.Display.Width == 0 || p.Display.Height == 0 {
		return fmt.Errorf("boot plan: display geometry not set")
	}
	return nil
}
