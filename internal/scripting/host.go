// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tidepark Contributors

package scripting

// Ride is the slice of ride state exposed to scripts.
type Ride struct {
	ID         int
	Name       string
	Excitement float64
	Intensity  float64
	Nausea     float64
}

// Player is one connected player as exposed to scripts.
type Player struct {
	ID   int
	Name string
}

// Date is the in-game calendar date.
type Date struct {
	Day   int
	Month int
	Year  int
}

// World is the surface of the host simulation that script bindings may
// touch. Every method is invoked on the tick thread only; implementations
// need no internal locking for script access.
type World interface {
	ParkName() string
	SetParkName(name string)
	Cash() int64
	AddCash(amount int64)
	Guests() int
	MapSize() (width, height int)
	Rides() []Ride
	Ride(id int) (Ride, bool)
	Players() []Player
	Date() Date
}
