package firmware

import (
	"fmt"
	"sort"
)

// Region names used by the boot components. Each region has exactly one
// writing component; the layout exists so that ownership is explicit instead
// of scattered hard-coded addresses.
const (
	RegionE820Count = "e820/count"
	RegionE820Map   = "e820/map"
	RegionVBEInfo   = "vbe/info"
	RegionModeInfo  = "vbe/mode-info"
	RegionGDT       = "gdt"
	RegionStage2    = "stage2"
)

// Region is a named, statically reserved span of physical memory. There is
// no allocator below 1MiB; every structure the bring-up sequence produces
// lives in one of these.
type Region struct {
	Name string
	Base int64
	Size int64
}

// End returns the first address past the region.
func (r Region) End() int64 { return r.Base + r.Size }

func (r Region) String() string {
	return fmt.Sprintf("%s [%#x, %#x)", r.Name, r.Base, r.End())
}

// Layout is the table of fixed regions shared by the boot components,
// passed by reference to each of them. Construction rejects overlap, which
// is the only enforcement point: with no allocator there is nothing to
// check at runtime.
type Layout struct {
	regions map[string]Region
}

// NewLayout builds a layout from the given regions, rejecting empty or
// overlapping spans and duplicate names.
func NewLayout(regions ...Region) (*Layout, error) {
	byName := make(map[string]Region, len(regions))
	sorted := make([]Region, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	for i, r := range sorted {
		if r.Size <= 0 {
			return nil, fmt.Errorf("layout: region %s has no extent", r)
		}
		if _, ok := byName[r.Name]; ok {
			return nil, fmt.Errorf("layout: duplicate region name %q", r.Name)
		}
		if i > 0 && sorted[i-1].End() > r.Base {
			return nil, fmt.Errorf("layout: %s overlaps %s", sorted[i-1], r)
		}
		byName[r.Name] = r
	}

	return &Layout{regions: byName}, nil
}

// Region looks up a named region.
func (l *Layout) Region(name string) (Region, bool) {
	r, ok := l.regions[name]
	return r, ok
}

// MustRegion looks up a named region and panics if it is absent. The boot
// components call this during construction only, against layouts that are
// fixed at build time.
func (l *Layout) MustRegion(name string) Region {
	r, ok := l.regions[name]
	if !ok {
		panic(fmt.Sprintf("layout: no region named %q", name))
	}
	return r
}

// Regions returns the layout in ascending base order.
func (l *Layout) Regions() []Region {
	out := make([]Region, 0, len(l.regions))
	for _, r := range l.regions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}

// E820MaxEntries bounds the memory map buffer; firmware that reports more
// regions than this is out of spec for every consumer downstream.
const E820MaxEntries = 128

// DefaultLayout returns the fixed addresses the boot stages were linked
// against: the E820 map at 0x4000 with its count word immediately below,
// the VBE blocks at 0x4f00, the GDT at 0x5da0 and the second stage at
// 0x7e00, directly after the 512-byte MBR image at 0x7c00.
func DefaultLayout() *Layout {
	l, err := NewLayout(
		Region{Name: RegionE820Count, Base: 0x3ffc, Size: 4},
		Region{Name: RegionE820Map, Base: 0x4000, Size: E820MaxEntries * 24},
		Region{Name: RegionVBEInfo, Base: 0x4f00, Size: 512},
		Region{Name: RegionModeInfo, Base: 0x5100, Size: 256},
		Region{Name: RegionGDT, Base: 0x5da0, Size: 24},
		Region{Name: RegionStage2, Base: 0x7e00, Size: 0x78200},
	)
	if err != nil {
		// The table above is a build-time constant.
		panic(err)
	}
	return l
}
