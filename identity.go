package dispenser

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// cycleIDPrefix marks identifiers of dispense cycles in logs and the journal.
const cycleIDPrefix = "cyc_"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewCycleID returns a new identifier for a dispense cycle.
//
// IDs are ULIDs, so they sort by creation time; within one millisecond the
// monotonic entropy source keeps them strictly increasing. The returned value
// carries a "cyc_" prefix, making it easy to spot in logs:
//
//	id := dispenser.NewCycleID() // "cyc_01J9Z3M6Q8..."
func NewCycleID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return cycleIDPrefix + ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// CycleTime extracts the creation time encoded in a cycle ID.
func CycleTime(cycleID string) (time.Time, bool) {
	raw, ok := strings.CutPrefix(cycleID, cycleIDPrefix)
	if !ok {
		return time.Time{}, false
	}
	id, err := ulid.Parse(raw)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(id.Time()), true
}
