package topology

import (
	"github.com/septivank/billing-reconciliation-worker/internal/billing"
)

// Index maps meter ids to building ids. It is rebuilt wholesale on every
// reload and used only to group and filter submissions by building, never
// for authorization.
type Index struct {
	byMeter map[int64]int64
}

// BuildIndex derives the meter-to-building mapping from the backend listings.
// A direct building reference on the meter record wins over the indirect
// stall-to-building join. Meters with neither reference are absent from the
// index; callers treat them as "unknown building".
func BuildIndex(buildings []billing.Building, stalls []billing.Stall, meters []billing.Meter) *Index {
	known := make(map[int64]struct{}, len(buildings))
	for _, b := range buildings {
		known[b.ID] = struct{}{}
	}

	stallBuilding := make(map[int64]int64, len(stalls))
	for _, s := range stalls {
		if _, ok := known[s.BuildingID]; ok {
			stallBuilding[s.ID] = s.BuildingID
		}
	}

	byMeter := make(map[int64]int64, len(meters))
	for _, m := range meters {
		if m.BuildingID != 0 {
			if _, ok := known[m.BuildingID]; ok {
				byMeter[m.ID] = m.BuildingID
			}
			continue
		}
		if buildingID, ok := stallBuilding[m.StallID]; ok {
			byMeter[m.ID] = buildingID
		}
	}

	return &Index{byMeter: byMeter}
}

// BuildingFor returns the building a meter belongs to
func (ix *Index) BuildingFor(meterID int64) (int64, bool) {
	buildingID, ok := ix.byMeter[meterID]
	return buildingID, ok
}

// Len returns the number of mapped meters
func (ix *Index) Len() int {
	return len(ix.byMeter)
}
