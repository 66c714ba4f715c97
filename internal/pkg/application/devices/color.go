package devices

import (
	"math"

	"github.com/samber/lo"
)

// paletteEntry maps a named-color value shown by the voice assistant
// to the canonical RGB triple the hub should actually render. The
// assistant sends and displays the left value; the hub works with the
// right one.
type paletteEntry struct {
	display   int
	canonical int
}

// Scanned in order; the first canonical triple within snap distance of
// the reported color wins.
var palette = []paletteEntry{
	{16714250, 16711680}, // red
	{16729920, 16728064}, // coral
	{16740393, 16744448}, // orange
	{16770351, 16776960}, // yellow
	{13238074, 8453888},  // lime
	{4636475, 65280},     // green
	{3007347, 65344},     // emerald
	{3205327, 65472},     // turquoise
	{3718130, 65535},     // cyan
	{2784242, 255},       // blue
	{12175602, 12636415}, // moonlight
	{10325234, 8413439},  // lavender
	{8007922, 6291711},   // violet
	{11938034, 10486015}, // purple
	{15879912, 16711935}, // orchid
	{15870583, 16711776}, // raspberry
	{15900857, 16752832}, // mauve
}

func splitRGB(value int) (r, g, b int) {
	return (value >> 16) & 0xFF, (value >> 8) & 0xFF, value & 0xFF
}

func colorDistance(a, b int) float64 {
	ar, ag, ab := splitRGB(a)
	br, bg, bb := splitRGB(b)
	return math.Sqrt(float64((ar-br)*(ar-br) + (ag-bg)*(ag-bg) + (ab-bb)*(ab-bb)))
}

// snapToPalette replaces a reported color with the matching named
// value when it is close enough to one of the canonical triples.
func snapToPalette(value int) int {
	for _, entry := range palette {
		if colorDistance(entry.canonical, value) < 20 {
			return entry.display
		}
	}
	return value
}

// canonicalColor resolves a named value coming from the assistant back
// to the triple the hub should render.
func canonicalColor(value int) int {
	for _, entry := range palette {
		if entry.display == value {
			return entry.canonical
		}
	}
	return value
}

// Supported white temperatures, in kelvin. The hub's mired range is
// snapped onto this ladder: the minimum down, the maximum up.
var temperatureLadder = []int{1500, 2700, 3400, 4500, 5600, 6500, 7500, 9000}

const defaultTemperature = 5600

// Color covers both the RGB and the color temperature face of a light.
// Which face State reports follows the last action received, the way
// a light itself switches between the two modes.
type Color struct {
	capability
	rgb bool
}

func NewColor(options map[string]any) *Color {
	light := toStrings(options["light"])

	c := &Color{capability: newCapability(CapabilityColorSetting, "color")}

	if lo.Contains(light, "color") {
		c.rgb = true
		c.parameters["color_model"] = "rgb"
		c.data["color"] = nil
	}

	if lo.Contains(light, "colorTemperature") {
		option := toMap(options["colorTemperature"])

		min, max := defaultTemperature, defaultTemperature
		if v := toFloat(option["max"]); v > 0 {
			min = snapTemperatureMin(int(math.Round(1e6 / v)))
		}
		if v := toFloat(option["min"]); v > 0 {
			max = snapTemperatureMax(int(math.Round(1e6 / v)))
		}

		c.parameters["temperature_k"] = map[string]any{"min": min, "max": max}
		c.data["colorTemperature"] = nil
	} else if !c.rgb {
		c.parameters["temperature_k"] = map[string]any{"min": defaultTemperature, "max": defaultTemperature}
		c.data["colorTemperature"] = nil
	}

	return c
}

func snapTemperatureMin(kelvin int) int {
	result := temperatureLadder[0]
	for _, step := range temperatureLadder {
		if step <= kelvin {
			result = step
		}
	}
	return result
}

func snapTemperatureMax(kelvin int) int {
	for _, step := range temperatureLadder {
		if step >= kelvin {
			return step
		}
	}
	return temperatureLadder[len(temperatureLadder)-1]
}

func (c *Color) State() map[string]any {
	if c.rgb {
		list, _ := c.data["color"].([]any)
		value := 0

		if len(list) == 3 {
			value = int(toFloat(list[0]))<<16 | int(toFloat(list[1]))<<8 | int(toFloat(list[2]))
		}

		return map[string]any{"instance": "rgb", "value": snapToPalette(value)}
	}

	value := defaultTemperature
	if mireds := toFloat(c.data["colorTemperature"]); mireds > 0 {
		value = int(math.Round(1e6 / mireds))
	}

	return map[string]any{"instance": "temperature_k", "value": value}
}

func (c *Color) Action(state map[string]any) map[string]any {
	if toString(state["instance"]) == "rgb" {
		c.rgb = true

		value := canonicalColor(int(toFloat(state["value"])))
		r, g, b := splitRGB(value)

		return map[string]any{"color": []any{r, g, b}}
	}

	c.rgb = false

	value := 1e6 / toFloat(state["value"])
	if toBool(state["relative"]) {
		value += toFloat(c.data["colorTemperature"])
	}

	return map[string]any{"colorTemperature": math.Round(value)}
}

func toStrings(value any) []string {
	list, _ := value.([]any)
	result := make([]string, 0, len(list))

	for _, item := range list {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}

	return result
}
