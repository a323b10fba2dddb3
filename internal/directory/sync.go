package directory

import (
	"fmt"

	"github.com/mtzanidakis/synedrio/internal/store"
)

// Sync persists the roster so the API and CLI can list it. Workers no longer
// in the directory are removed.
func (d *Directory) Sync(s *store.Store) error {
	ids := make([]string, 0, len(d.order))
	for _, w := range d.Workers() {
		ids = append(ids, w.ID)

		rec := &store.Worker{
			ID:           w.ID,
			DivisionID:   w.DivisionID,
			SupervisorID: w.SupervisorID,
			IsSupervisor: d.IsSupervisor(w.ID),
			Dormant:      w.Dormant,
			Description:  w.Description,
		}
		if err := s.SaveWorker(rec); err != nil {
			return fmt.Errorf("save worker %s: %w", w.ID, err)
		}
	}

	if err := s.DeleteWorkersNotIn(ids); err != nil {
		return fmt.Errorf("delete stale workers: %w", err)
	}
	return nil
}
