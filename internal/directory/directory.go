// Package directory holds the worker roster: identities, division membership,
// supervisor links and dormant flags. A Directory is built once from config
// and is read-only afterwards, so it can be shared across goroutines.
package directory

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mtzanidakis/synedrio/internal/config"
)

var ErrUnknownWorker = errors.New("unknown worker")

type Worker struct {
	ID           string `json:"id"`
	DivisionID   string `json:"division_id"`
	SupervisorID string `json:"supervisor_id,omitempty"`
	Dormant      bool   `json:"dormant"`
	Description  string `json:"description,omitempty"`
}

type Division struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	SupervisorID string   `json:"supervisor_id"`
	Members      []string `json:"members"`
}

type Directory struct {
	workers   map[string]Worker
	divisions map[string]Division
	aliases   map[string]string
	order     []string
}

// New validates cfg and builds the roster.
func New(cfg config.DirectoryConfig) (*Directory, error) {
	d := &Directory{
		workers:   make(map[string]Worker, len(cfg.Workers)),
		divisions: make(map[string]Division, len(cfg.Divisions)),
		aliases:   make(map[string]string),
	}

	for _, div := range cfg.Divisions {
		if div.ID == "" {
			return nil, fmt.Errorf("division without id")
		}
		if _, dup := d.divisions[div.ID]; dup {
			return nil, fmt.Errorf("duplicate division %q", div.ID)
		}
		if div.Supervisor == "" {
			return nil, fmt.Errorf("division %q has no supervisor", div.ID)
		}
		name := div.Name
		if name == "" {
			name = div.ID
		}
		d.divisions[div.ID] = Division{ID: div.ID, Name: name, SupervisorID: div.Supervisor}
	}

	for _, def := range cfg.Workers {
		if def.ID == "" {
			return nil, fmt.Errorf("worker without id")
		}
		if _, dup := d.workers[def.ID]; dup {
			return nil, fmt.Errorf("duplicate worker %q", def.ID)
		}
		div, ok := d.divisions[def.Division]
		if !ok {
			return nil, fmt.Errorf("worker %q: unknown division %q", def.ID, def.Division)
		}
		d.workers[def.ID] = Worker{
			ID:           def.ID,
			DivisionID:   def.Division,
			SupervisorID: def.Supervisor,
			Dormant:      def.Dormant,
			Description:  def.Description,
		}
		div.Members = append(div.Members, def.ID)
		d.divisions[def.Division] = div
		d.order = append(d.order, def.ID)
	}

	for id, div := range d.divisions {
		sup, ok := d.workers[div.SupervisorID]
		if !ok {
			return nil, fmt.Errorf("division %q: supervisor %q is not a worker", id, div.SupervisorID)
		}
		if sup.DivisionID != id {
			return nil, fmt.Errorf("division %q: supervisor %q belongs to division %q", id, sup.ID, sup.DivisionID)
		}
	}

	for _, w := range d.workers {
		if w.SupervisorID == "" {
			continue
		}
		if _, ok := d.workers[w.SupervisorID]; !ok {
			return nil, fmt.Errorf("worker %q: unknown supervisor %q", w.ID, w.SupervisorID)
		}
		if w.SupervisorID == w.ID {
			return nil, fmt.Errorf("worker %q supervises itself", w.ID)
		}
	}

	for _, def := range cfg.Workers {
		for _, alias := range def.Aliases {
			key := normalize(alias)
			if key == "" {
				continue
			}
			if _, clash := d.workers[key]; clash && key != def.ID {
				return nil, fmt.Errorf("alias %q of %q collides with worker id", alias, def.ID)
			}
			if prev, dup := d.aliases[key]; dup && prev != def.ID {
				return nil, fmt.Errorf("alias %q maps to both %q and %q", alias, prev, def.ID)
			}
			d.aliases[key] = def.ID
		}
	}

	return d, nil
}

func (d *Directory) Resolve(id string) (Worker, error) {
	w, ok := d.workers[id]
	if !ok {
		return Worker{}, fmt.Errorf("resolve %q: %w", id, ErrUnknownWorker)
	}
	return w, nil
}

func (d *Directory) DivisionOf(workerID string) (Division, error) {
	w, err := d.Resolve(workerID)
	if err != nil {
		return Division{}, err
	}
	return d.divisions[w.DivisionID], nil
}

// IsDormant reports false for unknown ids; callers that need to tell the
// two apart use Resolve.
func (d *Directory) IsDormant(id string) bool {
	return d.workers[id].Dormant
}

// IsSupervisor reports whether id supervises its division.
func (d *Directory) IsSupervisor(id string) bool {
	w, ok := d.workers[id]
	if !ok {
		return false
	}
	return d.divisions[w.DivisionID].SupervisorID == id
}

func (d *Directory) Supervisor(divisionID string) (Worker, error) {
	div, ok := d.divisions[divisionID]
	if !ok {
		return Worker{}, fmt.Errorf("division %q: %w", divisionID, ErrUnknownWorker)
	}
	return d.workers[div.SupervisorID], nil
}

// Canonical maps a caller-supplied name to a worker id. Only exact ids and
// configured aliases match; there is no prefix matching.
func (d *Directory) Canonical(name string) (string, error) {
	if _, ok := d.workers[name]; ok {
		return name, nil
	}
	key := normalize(name)
	if _, ok := d.workers[key]; ok {
		return key, nil
	}
	if id, ok := d.aliases[key]; ok {
		return id, nil
	}
	return "", fmt.Errorf("canonical %q: %w", name, ErrUnknownWorker)
}

// Workers returns the roster in configuration order.
func (d *Directory) Workers() []Worker {
	out := make([]Worker, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.workers[id])
	}
	return out
}

// Divisions returns all divisions sorted by id.
func (d *Directory) Divisions() []Division {
	out := make([]Division, 0, len(d.divisions))
	for _, div := range d.divisions {
		div.Members = append([]string(nil), div.Members...)
		out = append(out, div)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
