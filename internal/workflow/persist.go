package workflow

import (
	"strings"

	jsonx "taskrelay/internal/shared/json"
)

type persistedWorkflows struct {
	Version   int           `json:"version"`
	Workflows []*Definition `json:"workflows"`
}

func (e *Engine) load() []*Definition {
	if e.fs == nil || e.path == "" {
		return nil
	}
	var persisted persistedWorkflows
	found, err := jsonx.LoadFile(e.fs, e.path, &persisted)
	if err != nil {
		e.logger.Warn("failed to load workflow persistence file: %v", err)
		return nil
	}
	if !found {
		return nil
	}
	out := make([]*Definition, 0, len(persisted.Workflows))
	for _, def := range persisted.Workflows {
		if def == nil || strings.TrimSpace(def.ID) == "" {
			continue
		}
		out = append(out, def)
	}
	e.logger.Info("Loaded %d workflows from %s", len(out), e.path)
	return out
}

// persistLocked snapshots every workflow. Caller must hold e.mu. Definitions
// are never mutated in place, so the pointers are safe to encode.
func (e *Engine) persistLocked() {
	if e.fs == nil || e.path == "" {
		return
	}
	snapshot := make([]*Definition, 0, len(e.runs))
	for _, r := range e.runs {
		snapshot = append(snapshot, r.def)
	}
	if err := jsonx.SaveFile(e.fs, e.path, persistedWorkflows{Version: 1, Workflows: snapshot}); err != nil {
		e.logger.Warn("failed to persist workflows: %v", err)
	}
}
