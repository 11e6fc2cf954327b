package program

import "time"

// =============================================================================
// ACTIVATION - at most one live program per tenant and type
// =============================================================================

// Overlaps reports whether the windows of a and b share at least one instant.
// A nil EndAt is open-ended.
func Overlaps(a, b Program) bool {
	if a.EndAt != nil && a.EndAt.Before(b.StartAt) {
		return false
	}
	if b.EndAt != nil && b.EndAt.Before(a.StartAt) {
		return false
	}
	return true
}

// Supersede returns the programs among others that must change so that
// activated is the only live program of its type for the tenant.
//
//   - an active program starting before activated.StartAt is closed at
//     StartAt - 1s
//   - any other overlapping active program is set inactive, because closing
//     it would leave an end before its own start
//
// Nothing changes when activated is not active. Changed programs get their
// Version bumped and UpdatedAt set to now.
func Supersede(activated Program, others []Program, now time.Time) []Program {
	if activated.Status != StatusActive {
		return nil
	}
	var changed []Program
	for _, o := range others {
		if o.ID == activated.ID || o.TenantID != activated.TenantID || o.Type != activated.Type {
			continue
		}
		if o.Status != StatusActive || !Overlaps(o, activated) {
			continue
		}
		end := activated.StartAt.Add(-time.Second)
		if !end.Before(o.StartAt) {
			o.EndAt = &end
		} else {
			o.Status = StatusInactive
		}
		o.Version++
		o.UpdatedAt = now
		changed = append(changed, o)
	}
	return changed
}
