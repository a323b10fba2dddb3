package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	WorkersAdded   []string
	WorkersRemoved []string
	WorkersChanged []string

	DivisionsChanged bool
	RubricChanged    bool
	WorkflowChanged  bool
	SchedulerChanged bool

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.WorkersAdded) > 0 ||
		len(d.WorkersRemoved) > 0 ||
		len(d.WorkersChanged) > 0 ||
		d.DivisionsChanged ||
		d.RubricChanged ||
		d.WorkflowChanged ||
		d.SchedulerChanged
}

// RosterChanged reports whether the directory has to be rebuilt.
func (d *ConfigDiff) RosterChanged() bool {
	return len(d.WorkersAdded) > 0 ||
		len(d.WorkersRemoved) > 0 ||
		len(d.WorkersChanged) > 0 ||
		d.DivisionsChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	oldWorkers := indexWorkers(old.Workers)
	newWorkers := indexWorkers(new.Workers)

	for _, w := range new.Workers {
		if _, ok := oldWorkers[w.ID]; !ok {
			d.WorkersAdded = append(d.WorkersAdded, w.ID)
		}
	}
	for _, w := range old.Workers {
		if _, ok := newWorkers[w.ID]; !ok {
			d.WorkersRemoved = append(d.WorkersRemoved, w.ID)
		}
	}
	for _, w := range new.Workers {
		if prev, ok := oldWorkers[w.ID]; ok && !reflect.DeepEqual(prev, w) {
			d.WorkersChanged = append(d.WorkersChanged, w.ID)
		}
	}

	d.DivisionsChanged = !reflect.DeepEqual(old.Divisions, new.Divisions)
	d.RubricChanged = !reflect.DeepEqual(old.Rubric, new.Rubric)
	d.WorkflowChanged = old.Workflow != new.Workflow
	d.SchedulerChanged = old.Scheduler.PollInterval != new.Scheduler.PollInterval

	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS.Host != new.NATS.Host {
		d.NonReloadable = append(d.NonReloadable, "nats.host")
	}
	if old.NATS.Port != new.NATS.Port {
		d.NonReloadable = append(d.NonReloadable, "nats.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}

	return d
}

func indexWorkers(workers []WorkerDefinition) map[string]WorkerDefinition {
	m := make(map[string]WorkerDefinition, len(workers))
	for _, w := range workers {
		m[w.ID] = w
	}
	return m
}
