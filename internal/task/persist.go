package task

import (
	"strings"

	jsonx "taskrelay/internal/shared/json"
)

type persistedRegistry struct {
	Version int     `json:"version"`
	Tasks   []*Task `json:"tasks"`
}

func (r *Registry) loadFromDisk() {
	if r.fs == nil || r.persistencePath == "" {
		return
	}
	var persisted persistedRegistry
	found, err := jsonx.LoadFile(r.fs, r.persistencePath, &persisted)
	if err != nil {
		r.logger.Warn("failed to load task persistence file: %v", err)
		return
	}
	if !found {
		return
	}

	loaded := make(map[string]*Task, len(persisted.Tasks))
	for _, t := range persisted.Tasks {
		if t == nil || strings.TrimSpace(t.ID) == "" {
			continue
		}
		copied := *t
		if copied.Params == nil {
			copied.Params = map[string]any{}
		}
		copied.fingerprint, _ = Fingerprint(copied.Type, copied.Params)
		loaded[t.ID] = &copied
	}
	r.tasks = loaded
	r.logger.Info("Loaded %d tasks from %s", len(loaded), r.persistencePath)
}

// persistLocked writes a snapshot through a temp file and rename. Caller
// must hold r.mu.
func (r *Registry) persistLocked() {
	if r.fs == nil || r.persistencePath == "" {
		return
	}

	snapshot := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		copied := t.clone()
		snapshot = append(snapshot, &copied)
	}
	if err := jsonx.SaveFile(r.fs, r.persistencePath, persistedRegistry{Version: 1, Tasks: snapshot}); err != nil {
		r.logger.Warn("failed to persist task registry: %v", err)
	}
}
