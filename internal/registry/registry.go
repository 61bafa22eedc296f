// Package registry is the durable mapping from service name to the last
// known process. Each record lives in its own file so a crash mid-write can
// affect at most one service.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Record is the durable note of the process presumed to be running a
// service. One record per service name at most.
type Record struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	LogPath   string    `json:"log_path"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry stores one JSON record file per service name under Dir.
type Registry struct {
	dir string
}

func New(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	return &Registry{dir: dir}, nil
}

func (r *Registry) path(name string) string {
	return filepath.Join(r.dir, name+".json")
}

// Put writes the record for rec.Name. The write goes to a temp file in the
// same directory followed by a rename, so readers never observe a torn
// record.
func (r *Registry) Put(rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(r.dir, rec.Name+".*.tmp")
	if err != nil {
		return fmt.Errorf("registry put %s: %w", rec.Name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("registry put %s: %w", rec.Name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("registry put %s: %w", rec.Name, err)
	}
	if err := os.Rename(tmpName, r.path(rec.Name)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("registry put %s: %w", rec.Name, err)
	}
	return nil
}

// Get returns the record for name, or ok=false when absent.
func (r *Registry) Get(name string) (Record, bool, error) {
	b, err := os.ReadFile(r.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("registry get %s: %w", name, err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		// A torn or corrupt record is treated as absent; it will be
		// rewritten by the next successful Start.
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Remove deletes the record for name. Removing an absent record is not an
// error.
func (r *Registry) Remove(name string) error {
	if err := os.Remove(r.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("registry remove %s: %w", name, err)
	}
	return nil
}

// List returns all persisted records.
func (r *Registry) List() ([]Record, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("registry list: %w", err)
	}
	var recs []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		rec, ok, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		if ok {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

// IsAlive reports whether pid refers to a live process. "No such process"
// is false, not an error. A zombie still occupies its pid but no longer
// serves anything, so it counts as dead.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := gopsproc.PidExists(int32(pid)) // #nosec G115 -- pids fit in int32 on supported platforms
	if err != nil || !exists {
		return false
	}
	p, err := gopsproc.NewProcess(int32(pid)) // #nosec G115
	if err != nil {
		return false
	}
	statuses, err := p.Status()
	if err != nil {
		// Existence is confirmed; status is best effort.
		return true
	}
	for _, st := range statuses {
		if st == gopsproc.Zombie {
			return false
		}
	}
	return true
}
