// Package slider models the two ingredient range inputs of the control panel
// and the floating tooltip that follows each slider's thumb.
package slider

import (
	"fmt"
	"math"
	"strconv"

	dispenser "github.com/mixbot/dispenser"
)

// Slider is a bounded numeric input with range-input semantics:
// values are clamped to [Min, Max] and snapped to Step.
type Slider struct {
	Name  string
	Unit  string
	Min   float64
	Max   float64
	Step  float64
	Value float64
}

// New creates a slider positioned at min.
func New(name string, min, max, step float64) *Slider {
	return &Slider{
		Name:  name,
		Unit:  "ml",
		Min:   min,
		Max:   max,
		Step:  step,
		Value: min,
	}
}

// Set assigns v, clamped and snapped the way a native range input would.
func (s *Slider) Set(v float64) {
	if v < s.Min {
		v = s.Min
	}
	if v > s.Max {
		v = s.Max
	}
	if s.Step > 0 {
		steps := math.Round((v - s.Min) / s.Step)
		v = s.Min + steps*s.Step
		if v > s.Max {
			v -= s.Step
		}
	}
	s.Value = v
}

// Increment moves the slider one step up.
func (s *Slider) Increment() { s.Set(s.Value + s.step()) }

// Decrement moves the slider one step down.
func (s *Slider) Decrement() { s.Set(s.Value - s.step()) }

func (s *Slider) step() float64 {
	if s.Step > 0 {
		return s.Step
	}
	return 1
}

// Percent is the thumb position along the track: (value-min)/(max-min)*100.
func (s *Slider) Percent() float64 {
	if s.Max == s.Min {
		return 0
	}
	return (s.Value - s.Min) / (s.Max - s.Min) * 100
}

// Display is the live value text shown next to the slider.
func (s *Slider) Display() string {
	return strconv.FormatFloat(s.Value, 'f', -1, 64)
}

// Tooltip is the floating label text, e.g. "500 ml".
func (s *Slider) Tooltip() string {
	return s.Display() + " " + s.Unit
}

// Offset returns the column at which the tooltip sits on a track of the given width.
func (s *Slider) Offset(trackWidth int) int {
	if trackWidth <= 1 {
		return 0
	}
	return int(math.Round(s.Percent() / 100 * float64(trackWidth-1)))
}

// Preset is a named pair of volumes.
type Preset struct {
	Water float64 `yaml:"water"`
	Syrup float64 `yaml:"syrup"`
}

// DefaultPresets are the quick-select mixes.
func DefaultPresets() []Preset {
	return []Preset{
		{Water: 250, Syrup: 50},
		{Water: 500, Syrup: 100},
		{Water: 750, Syrup: 150},
	}
}

// Pair binds the water and syrup sliders.
type Pair struct {
	Water *Slider
	Syrup *Slider
}

// Bounds configures the ranges of a Pair.
type Bounds struct {
	WaterMax  float64 `yaml:"water_max"`
	WaterStep float64 `yaml:"water_step"`
	SyrupMax  float64 `yaml:"syrup_max"`
	SyrupStep float64 `yaml:"syrup_step"`
}

// DefaultBounds returns the default slider ranges.
func DefaultBounds() Bounds {
	return Bounds{
		WaterMax:  1000,
		WaterStep: 10,
		SyrupMax:  200,
		SyrupStep: 5,
	}
}

// NewPair creates both sliders from bounds.
func NewPair(b Bounds) *Pair {
	return &Pair{
		Water: New("Water", 0, b.WaterMax, b.WaterStep),
		Syrup: New("Syrup", 0, b.SyrupMax, b.SyrupStep),
	}
}

// SetPreset moves both sliders and returns the info message to display.
func (p *Pair) SetPreset(water, syrup float64) string {
	p.Water.Set(water)
	p.Syrup.Set(syrup)
	return fmt.Sprintf("Preset loaded: %sml Water, %sml Syrup", p.Water.Display(), p.Syrup.Display())
}

// Request reads the current slider values as a dispense payload.
func (p *Pair) Request() dispenser.DispenseRequest {
	return dispenser.DispenseRequest{
		Water: p.Water.Value,
		Syrup: p.Syrup.Value,
	}
}
