package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// File suffixes by state.
const (
	pendingExt  = ".json"
	importedExt = ".imported"
	rejectedExt = ".rejected"
)

// DirQueue keeps one JSON file per record in a directory. Consumption is a
// rename, so re-running an import never sees a consumed record again.
type DirQueue struct {
	dir string
}

var _ Queue = (*DirQueue)(nil)

// NewDirQueue returns a queue rooted at dir. The directory is created on first Put.
func NewDirQueue(dir string) *DirQueue {
	return &DirQueue{dir: dir}
}

// Dir returns the spool directory.
func (q *DirQueue) Dir() string { return q.dir }

// Put writes r atomically: readers never observe a partial file.
func (q *DirQueue) Put(_ context.Context, r Record) (Record, error) {
	if r.ID == "" {
		r.ID = NewID()
	}
	if strings.ContainsAny(r.ID, `/\`) || strings.HasPrefix(r.ID, ".") {
		return r, fmt.Errorf("spool: invalid record id %q", r.ID)
	}
	if err := os.MkdirAll(q.dir, 0o750); err != nil {
		return r, fmt.Errorf("creating spool dir: %w", err)
	}

	data, err := json.Marshal(r)
	if err != nil {
		return r, fmt.Errorf("encoding spool record: %w", err)
	}

	tmp, err := os.CreateTemp(q.dir, ".put-*")
	if err != nil {
		return r, fmt.Errorf("creating spool file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return r, fmt.Errorf("writing spool file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return r, fmt.Errorf("writing spool file: %w", err)
	}
	if err := os.Rename(tmp.Name(), q.path(r.ID, pendingExt)); err != nil {
		return r, fmt.Errorf("publishing spool file: %w", err)
	}
	return r, nil
}

// Pending implements Queue.
func (q *DirQueue) Pending(_ context.Context) ([]Item, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading spool dir: %w", err)
	}

	var items []Item
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != pendingExt {
			continue
		}
		id := strings.TrimSuffix(name, pendingExt)

		data, err := os.ReadFile(filepath.Join(q.dir, name)) //nolint:gosec // name comes from ReadDir of the spool dir
		if err != nil {
			if os.IsNotExist(err) {
				continue // consumed by a concurrent importer
			}
			return nil, fmt.Errorf("reading spool file %s: %w", name, err)
		}

		it := Item{ID: id, Raw: data}
		it.Record, it.Err = Decode(data)
		items = append(items, it)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// Ack implements Queue.
func (q *DirQueue) Ack(_ context.Context, it Item) error {
	return q.move(it.ID, importedExt)
}

// Reject implements Queue. The reason is kept next to the quarantined file.
func (q *DirQueue) Reject(_ context.Context, it Item, reason string) error {
	if err := q.move(it.ID, rejectedExt); err != nil {
		return err
	}
	_ = os.WriteFile(q.path(it.ID, rejectedExt+".reason"), []byte(reason+"\n"), 0o600)
	return nil
}

func (q *DirQueue) move(id, ext string) error {
	err := os.Rename(q.path(id, pendingExt), q.path(id, ext))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("marking spool record %s: %w", id, err)
	}
	return nil
}

// Stats implements Queue.
func (q *DirQueue) Stats(_ context.Context) (Stats, error) {
	var s Stats
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("reading spool dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		switch filepath.Ext(name) {
		case pendingExt:
			s.Pending++
		case importedExt:
			s.Imported++
		case rejectedExt:
			s.Rejected++
		}
	}
	return s, nil
}

func (q *DirQueue) path(id, ext string) string {
	return filepath.Join(q.dir, id+ext)
}
