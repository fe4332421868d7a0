package storage

// defaultSongs is the catalog a fresh board starts with. Hosts replace it
// through the songs endpoint.
var defaultSongs = []string{
	"Blink-182 - All the Small Things",
	"Jimmy Eat World - The Middle",
	"My Chemical Romance - Helena",
	"Fall Out Boy - Sugar, We're Goin Down",
	"Avril Lavigne - Sk8er Boi",
	"Good Charlotte - The Anthem",
	"Panic! At The Disco - I Write Sins Not Tragedies",
	"New Found Glory - My Friends Over You",
	"Dashboard Confessional - Vindicated",
	"Bowling for Soup - 1985",
}

// DefaultSongs returns a copy of the default song catalog.
func DefaultSongs() []string {
	out := make([]string, len(defaultSongs))
	copy(out, defaultSongs)
	return out
}
