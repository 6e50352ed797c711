package scene

import (
	"fmt"
	"strings"
)

// Category identifies the kind of an agent. End doubles as the "no agent"
// value and terminates every agent sequence.
type Category int

const (
	End Category = iota
	Pedestrian
	Bicyclist
	Vehicle
)

// NumCategories counts End plus the three agent categories.
const NumCategories = 4

// AgentCategories lists the agent categories in field order. Diffusion
// positions, count predictors and loss weights all iterate in this order.
var AgentCategories = []Category{Pedestrian, Bicyclist, Vehicle}

func (c Category) String() string {
	switch c {
	case End:
		return "end"
	case Pedestrian:
		return "pedestrian"
	case Bicyclist:
		return "bicyclist"
	case Vehicle:
		return "vehicle"
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Valid reports whether c is one of the four known categories.
func (c Category) Valid() bool {
	return c >= End && c <= Vehicle
}

// IsAgent reports whether c names a real agent (not the End sentinel).
func (c Category) IsAgent() bool {
	return c >= Pedestrian && c <= Vehicle
}

// ParseCategory accepts the lowercase names produced by String.
func ParseCategory(s string) (Category, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "end", "none":
		return End, nil
	case "pedestrian":
		return Pedestrian, nil
	case "bicyclist":
		return Bicyclist, nil
	case "vehicle":
		return Vehicle, nil
	}
	return End, fmt.Errorf("unknown category %q", s)
}

var taxonomyExact = map[string]Category{
	"vehicle.bicycle":                    Bicyclist,
	"vehicle.motorcycle":                 Bicyclist,
	"vehicle.car":                        Vehicle,
	"vehicle.bus.bendy":                  Vehicle,
	"vehicle.bus.rigid":                  Vehicle,
	"vehicle.truck":                      Vehicle,
	"vehicle.construction":               Vehicle,
	"vehicle.emergency.ambulance":        Vehicle,
	"vehicle.emergency.police":           Vehicle,
	"vehicle.trailer":                    Vehicle,
	"human.pedestrian.personal_mobility": Pedestrian,
}

// CategoryFromTaxonomy maps a dataset taxonomy label onto a Category. Labels
// outside the mapping (static objects, animals) return false.
func CategoryFromTaxonomy(label string) (Category, bool) {
	label = strings.TrimSpace(strings.ToLower(label))
	if c, ok := taxonomyExact[label]; ok {
		return c, true
	}
	if strings.HasPrefix(label, "human.pedestrian.") {
		return Pedestrian, true
	}
	return End, false
}
