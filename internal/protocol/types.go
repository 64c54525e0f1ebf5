package protocol

import (
	"fmt"
	"math"
	"strings"
)

// Vector3 is a point or direction in world space.
type Vector3 struct {
	X, Y, Z float32
}

func (v Vector3) String() string {
	return fmt.Sprintf("(%g;%g;%g)", v.X, v.Y, v.Z)
}

// Finite reports whether every component is a finite number.
func (v Vector3) Finite() bool {
	for _, c := range [3]float32{v.X, v.Y, v.Z} {
		f := float64(c)
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return false
		}
	}
	return true
}

// PositionState is where an avatar stands and where it is walking to.
// An empty Place means the player is not in any world (e.g. title screen).
type PositionState struct {
	Place       string
	Running     bool
	Position    Vector3
	Destination Vector3
}

func (p PositionState) String() string {
	return fmt.Sprintf("%s[%s;%s]", p.Place, p.Position, p.Destination)
}

// NormalizeDestination returns destination unless it looks like an unset
// engine value, in which case position is returned.
//
// A destination is treated as unset when any component is exactly zero or
// not finite. The zero rule also catches legitimate destinations lying on an
// axis plane; the host engine reports unset destinations that way.
func NormalizeDestination(position, destination Vector3) Vector3 {
	if destination.X == 0 || destination.Y == 0 || destination.Z == 0 {
		return position
	}
	if !destination.Finite() {
		return position
	}
	return destination
}

// NormalizeUsername trims surrounding whitespace and cuts name to at most
// UsernameMaxLength runes.
//
// Postcondition: The result has no leading or trailing whitespace.
func NormalizeUsername(name string) string {
	name = strings.TrimSpace(name)
	runes := []rune(name)
	if len(runes) > UsernameMaxLength {
		name = strings.TrimSpace(string(runes[:UsernameMaxLength]))
	}
	return name
}
