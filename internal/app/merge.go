package app

import (
	"slices"

	"github.com/hylla/concord/internal/domain"
)

// MergePolicy selects how a field changed differently on both sides is handled.
type MergePolicy string

// MergePolicy values.
const (
	MergeLaterWins     MergePolicy = "later_wins"
	MergeRequireManual MergePolicy = "require_manual"
)

// ThreeWayMerge merges two snapshots against their common ancestor field by field.
// A field changed on one side only takes that side; a field changed differently on
// both sides takes later and is reported in the returned field list. Absence is a
// value, so deleting a field counts as a change.
func ThreeWayMerge(base, earlier, later domain.Snapshot) (domain.Snapshot, []string) {
	keys := map[string]struct{}{}
	for _, s := range []domain.Snapshot{base, earlier, later} {
		for k := range s {
			keys[k] = struct{}{}
		}
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	slices.Sort(names)

	merged := domain.Snapshot{}
	var contested []string
	for _, name := range names {
		b, bOK := base.Field(name)
		e, eOK := earlier.Field(name)
		l, lOK := later.Field(name)
		earlierChanged := !domain.FieldsEqual(b, bOK, e, eOK)
		laterChanged := !domain.FieldsEqual(b, bOK, l, lOK)

		var (
			value any
			ok    bool
		)
		switch {
		case earlierChanged && !laterChanged:
			value, ok = e, eOK
		case !earlierChanged && laterChanged:
			value, ok = l, lOK
		case earlierChanged && laterChanged:
			if !domain.FieldsEqual(e, eOK, l, lOK) {
				contested = append(contested, name)
			}
			value, ok = l, lOK
		default:
			value, ok = b, bOK
		}
		if ok {
			merged[name] = value
		}
	}
	return merged, contested
}
