package atspec

import (
	"fmt"
	"strings"

	"github.jpl.nasa.gov/bdube/atspec/util"
)

// Slot describes the optic mounted in one wheel position
type Slot struct {
	Name              string  `json:"name" yaml:"name" koanf:"name"`
	Band              string  `json:"band" yaml:"band" koanf:"band"`
	CentralWavelength float64 `json:"centralWavelength" yaml:"central_wavelength" koanf:"central_wavelength"`
	FocusOffset       float64 `json:"focusOffset" yaml:"focus_offset" koanf:"focus_offset"`
	PointingOffsetX   float64 `json:"pointingOffsetX" yaml:"pointing_offset_x" koanf:"pointing_offset_x"`
	PointingOffsetY   float64 `json:"pointingOffsetY" yaml:"pointing_offset_y" koanf:"pointing_offset_y"`
}

// SlotTable is indexed by wheel position
type SlotTable []Slot

// Names returns the slot names in position order
func (t SlotTable) Names() []string {
	out := make([]string, len(t))
	for i, s := range t {
		out[i] = s.Name
	}
	return out
}

// At returns the slot at a position
func (t SlotTable) At(pos int) (Slot, bool) {
	if pos < 0 || pos >= len(t) {
		return Slot{}, false
	}
	return t[pos], true
}

// Lookup returns the position of the slot with the given name.  Names are
// matched case insensitively.
func (t SlotTable) Lookup(name string) (int, Slot, error) {
	for i, s := range t {
		if strings.EqualFold(s.Name, name) {
			return i, s, nil
		}
	}
	return 0, Slot{}, fmt.Errorf("%w: no slot named %q, have %v", ErrOutOfRange, name, t.Names())
}

// Validate checks the table fits on a wheel and that names are unique
func (t SlotTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("slot table is empty")
	}
	if len(t) > WheelSlots {
		return fmt.Errorf("slot table has %d entries, a wheel has %d slots", len(t), WheelSlots)
	}
	names := t.Names()
	for i := range names {
		if names[i] == "" {
			return fmt.Errorf("slot %d has no name", i)
		}
		names[i] = strings.ToLower(names[i])
	}
	if len(util.UniqueString(names)) != len(names) {
		return fmt.Errorf("slot names are not unique: %v", t.Names())
	}
	return nil
}

// DefaultFilters is the filter wheel as shipped, with four empty holders
func DefaultFilters() SlotTable {
	t := make(SlotTable, WheelSlots)
	for i := range t {
		t[i] = Slot{
			Name:              fmt.Sprintf("empty_%d", i+1),
			Band:              "Empty",
			CentralWavelength: 700 + float64(i),
			FocusOffset:       float64(i),
			PointingOffsetX:   0.3 - 0.1*float64(i),
			PointingOffsetY:   0.1 * float64(i),
		}
	}
	return t
}

// DefaultGratings is the grating wheel as shipped
func DefaultGratings() SlotTable {
	names := []string{"empty", "ronchi170lpmm", "ronchi90lpmm", "holo_etu1"}
	t := make(SlotTable, len(names))
	for i, n := range names {
		t[i] = Slot{
			Name:            n,
			Band:            "Empty",
			FocusOffset:     1.1 * float64(i),
			PointingOffsetX: 0.3 - 0.1*float64(i),
			PointingOffsetY: 0.1 * float64(i),
		}
	}
	return t
}
