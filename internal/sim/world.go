// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tidepark Contributors

package sim

import (
	"github.com/tidepark/tidepark/internal/scripting"
)

// Calendar granularity. A day is deliberately short so hooks fire at a
// testable cadence.
const (
	TicksPerDay   = 40
	DaysPerMonth  = 31
	MonthsPerYear = 8
)

// Guests trickle in at a fixed rate and each pays admission on arrival.
const (
	guestArrivalTicks = 10
	admissionFee      = 150
)

// World holds the park state exposed to plugins. All mutation happens on
// the tick thread; callers on other goroutines must go through Loop.Do.
type World struct {
	parkName string
	cash     int64
	guests   int

	width  int
	height int
	rides  []scripting.Ride

	players      []scripting.Player
	nextPlayerID int

	date      scripting.Date
	tickInDay int
	ticks     uint64
}

// NewWorld creates a park with a fresh calendar and no guests.
func NewWorld(parkName string, width, height int) *World {
	return &World{
		parkName:     parkName,
		width:        width,
		height:       height,
		nextPlayerID: 1,
		date:         scripting.Date{Day: 1, Month: 1, Year: 1},
	}
}

// Tick advances the world by one step and reports whether the in-game day
// rolled over.
func (w *World) Tick() (dayChanged bool) {
	w.ticks++

	if w.ticks%guestArrivalTicks == 0 {
		w.guests++
		w.cash += admissionFee
	}

	w.tickInDay++
	if w.tickInDay < TicksPerDay {
		return false
	}
	w.tickInDay = 0

	w.date.Day++
	if w.date.Day > DaysPerMonth {
		w.date.Day = 1
		w.date.Month++
	}
	if w.date.Month > MonthsPerYear {
		w.date.Month = 1
		w.date.Year++
	}
	return true
}

// Ticks returns the total number of elapsed ticks.
func (w *World) Ticks() uint64 { return w.ticks }

// Join adds a connected player and returns it.
func (w *World) Join(name string) scripting.Player {
	p := scripting.Player{ID: w.nextPlayerID, Name: name}
	w.nextPlayerID++
	w.players = append(w.players, p)
	return p
}

// Leave removes the player with the given id. Unknown ids are ignored.
func (w *World) Leave(id int) bool {
	for i, p := range w.players {
		if p.ID == id {
			w.players = append(w.players[:i], w.players[i+1:]...)
			return true
		}
	}
	return false
}

// AddRide registers a ride and returns its id.
func (w *World) AddRide(name string, excitement, intensity, nausea float64) int {
	id := len(w.rides) + 1
	w.rides = append(w.rides, scripting.Ride{
		ID:         id,
		Name:       name,
		Excitement: excitement,
		Intensity:  intensity,
		Nausea:     nausea,
	})
	return id
}

// scripting.World implementation.

func (w *World) ParkName() string        { return w.parkName }
func (w *World) SetParkName(name string) { w.parkName = name }
func (w *World) Cash() int64             { return w.cash }
func (w *World) AddCash(amount int64)    { w.cash += amount }
func (w *World) Guests() int             { return w.guests }
func (w *World) MapSize() (int, int)     { return w.width, w.height }
func (w *World) Date() scripting.Date    { return w.date }

func (w *World) Rides() []scripting.Ride {
	out := make([]scripting.Ride, len(w.rides))
	copy(out, w.rides)
	return out
}

func (w *World) Ride(id int) (scripting.Ride, bool) {
	for _, r := range w.rides {
		if r.ID == id {
			return r, true
		}
	}
	return scripting.Ride{}, false
}

func (w *World) Players() []scripting.Player {
	out := make([]scripting.Player, len(w.players))
	copy(out, w.players)
	return out
}
