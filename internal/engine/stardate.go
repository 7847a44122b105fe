package engine

import "fmt"

// Ticks per calendar unit of the in-game clock.
const (
	TicksPerWatch = 6
	TicksPerDay   = 24
	TicksPerCycle = 360 * TicksPerDay
)

// Stardate renders a tick count as an in-game date.
func Stardate(tick uint64) string {
	cycle := tick/TicksPerCycle + 1
	day := (tick%TicksPerCycle)/TicksPerDay + 1
	hour := tick % TicksPerDay
	watch := hour/TicksPerWatch + 1
	return fmt.Sprintf("Cycle %d, Day %d, Watch %d (%02d:00)", cycle, day, watch, hour)
}
