package booking

import "context"

// AvailabilityChecker decides whether a window is free on a GPU type. Each GPU type is a
// single bookable slot, regardless of the requested GPU count.
type AvailabilityChecker struct{}

// Conflicts lists PENDING/ACTIVE reservations overlapping window on gpuType.
func (AvailabilityChecker) Conflicts(ctx context.Context, store Store, gpuType GPUType, window TimeWindow) ([]ConflictSummary, error) {
	return conflictsExcluding(ctx, store, gpuType, window, "")
}

// IsAvailable reports whether no blocking reservation other than excludeReservationID overlaps window.
func (AvailabilityChecker) IsAvailable(ctx context.Context, store Store, gpuType GPUType, window TimeWindow, excludeReservationID string) (bool, error) {
	conflicts, err := conflictsExcluding(ctx, store, gpuType, window, excludeReservationID)
	if err != nil {
		return false, err
	}
	return len(conflicts) == 0, nil
}

func conflictsExcluding(ctx context.Context, store Store, gpuType GPUType, window TimeWindow, excludeReservationID string) ([]ConflictSummary, error) {
	candidates, err := store.ListOverlappingReservations(ctx, gpuType, window)
	if err != nil {
		return nil, err
	}
	conflicts := make([]ConflictSummary, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.ID == excludeReservationID {
			continue
		}
		if candidate.GPUType != gpuType.String() || !candidate.Status.BlocksCapacity() {
			continue
		}
		if !Overlaps(window.Start, window.End, candidate.StartTime, candidate.EndTime) {
			continue
		}
		conflicts = append(conflicts, ConflictSummary{
			ReservationID: candidate.ID,
			GPUType:       candidate.GPUType,
			StartTime:     candidate.StartTime,
			EndTime:       candidate.EndTime,
			Status:        candidate.Status,
		})
	}
	return conflicts, nil
}
