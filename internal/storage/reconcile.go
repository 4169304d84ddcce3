package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// Report is the result of scanning the directory.
type Report struct {
	// Sealed lists sealed, not yet uploaded segments oldest first.
	Sealed []string

	// Partials lists partial files found. After [Dir.Reconcile] they have
	// been deleted or renamed according to the partial policy.
	Partials []string

	// Kept lists the orphan paths partials were renamed to by Reconcile.
	Kept []string

	// Uploaded and Orphans count files in those states (including Kept).
	Uploaded int
	Orphans  int

	// Unrecognised lists every entry the manager did not create. Each error
	// wraps [ErrUnrecognised].
	Unrecognised []error
}

// Err joins the unrecognised-entry errors, or returns nil.
func (r Report) Err() error { return errors.Join(r.Unrecognised...) }

// Scan classifies the directory without changing it.
func (d *Dir) Scan() (Report, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return Report{}, fmt.Errorf("storage: scan %s: %w", d.path, err)
	}

	var rep Report
	for _, e := range entries {
		name := e.Name()
		if hidden(name) {
			continue
		}
		n, ok := ParseName(name)
		if !ok || e.IsDir() {
			what := "file"
			if e.IsDir() {
				what = "directory"
			}
			rep.Unrecognised = append(rep.Unrecognised, fmt.Errorf("%w: %s %s", ErrUnrecognised, what, name))
			continue
		}
		switch n.Kind {
		case KindSealed:
			rep.Sealed = append(rep.Sealed, d.join(n))
		case KindPartial:
			rep.Partials = append(rep.Partials, d.join(n))
		case KindUploaded:
			rep.Uploaded++
		case KindOrphan:
			rep.Orphans++
		}
	}
	// ReadDir already sorts by name; keep the ordering explicit since the
	// upload queue relies on it.
	slices.Sort(rep.Sealed)
	return rep, nil
}

// Reconcile scans the directory at startup and applies the partial policy to
// leftover partial files; they are never resumed or uploaded. Unrecognised
// entries are logged and left untouched. Calling it again without new files
// yields the same Sealed list.
// It fails with [ErrLocked] while another process owns the directory, since
// that process's partial files are still being recorded.
func (d *Dir) Reconcile(ctx context.Context) (Report, error) {
	if err := d.writable(); err != nil {
		return Report{}, err
	}
	rep, err := d.Scan()
	if err != nil {
		return rep, err
	}

	for _, p := range rep.Partials {
		n, _ := ParseName(filepath.Base(p))
		kept, err := d.discard(n)
		if err != nil {
			return rep, err
		}
		if kept != "" {
			rep.Kept = append(rep.Kept, kept)
			rep.Orphans++
			d.log.Warn("partial segment from previous run kept", "path", kept)
		} else {
			d.log.Warn("partial segment from previous run deleted", "path", p)
		}
	}
	if len(rep.Partials) > 0 {
		if err := syncDir(d.path); err != nil {
			d.log.Warn("directory sync failed", "err", err)
		}
	}
	for _, e := range rep.Unrecognised {
		d.log.Warn("unrecognised entry in storage directory", "err", e)
	}

	d.metrics.RecordReconcileFiles(ctx, KindSealed.String(), len(rep.Sealed))
	d.metrics.RecordReconcileFiles(ctx, KindPartial.String(), len(rep.Partials))
	d.metrics.RecordReconcileFiles(ctx, KindUploaded.String(), rep.Uploaded)
	d.metrics.RecordReconcileFiles(ctx, KindOrphan.String(), rep.Orphans)
	d.metrics.RecordReconcileFiles(ctx, KindUnrecognised.String(), len(rep.Unrecognised))

	d.log.Info("storage reconciled",
		"dir", d.path,
		"sealed", len(rep.Sealed),
		"partials", len(rep.Partials),
		"uploaded", rep.Uploaded,
		"orphans", rep.Orphans,
		"unrecognised", len(rep.Unrecognised),
	)
	return rep, nil
}

// MarkUploaded renames a sealed segment to its uploaded name without touching
// its content. Marking an already uploaded segment is a no-op that returns
// the uploaded path.
func (d *Dir) MarkUploaded(path string) (string, error) {
	if err := d.writable(); err != nil {
		return "", err
	}
	n, err := d.own(path)
	if err != nil {
		return "", err
	}
	up := d.join(n.As(KindUploaded))
	switch n.Kind {
	case KindUploaded:
		if _, err := os.Stat(up); err != nil {
			return "", fmt.Errorf("storage: mark uploaded: %w", err)
		}
		return up, nil
	case KindSealed:
	default:
		return "", fmt.Errorf("%w: %s", ErrNotSealed, filepath.Base(path))
	}

	if err := os.Rename(d.join(n), up); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, serr := os.Stat(up); serr == nil {
				return up, nil
			}
		}
		return "", fmt.Errorf("storage: mark uploaded: %w", err)
	}
	if err := syncDir(d.path); err != nil {
		d.log.Warn("directory sync failed", "err", err)
	}
	return up, nil
}

// own parses path and verifies it names an entry of this directory.
func (d *Dir) own(path string) (Name, error) {
	if dir := filepath.Dir(path); dir != "." && filepath.Clean(dir) != d.path {
		return Name{}, fmt.Errorf("storage: %s is outside %s", path, d.path)
	}
	n, ok := ParseName(filepath.Base(path))
	if !ok {
		return Name{}, fmt.Errorf("%w: %s", ErrUnrecognised, filepath.Base(path))
	}
	return n, nil
}

// Entry describes one file in the directory.
type Entry struct {
	Name    string
	Path    string
	ID      string
	Kind    Kind
	Size    int64
	ModTime time.Time
	Created time.Time
}

// List returns every entry in the directory sorted by name, which for
// segment files is creation order. Unrecognised entries are included with
// [KindUnrecognised].
func (d *Dir) List() ([]Entry, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", d.path, err)
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if hidden(e.Name()) {
			continue
		}
		en := Entry{Name: e.Name(), Path: filepath.Join(d.path, e.Name())}
		if n, ok := ParseName(e.Name()); ok && !e.IsDir() {
			en.ID = n.ID
			en.Kind = n.Kind
			en.Created = n.Created()
		}
		if fi, err := e.Info(); err == nil {
			en.Size = fi.Size()
			en.ModTime = fi.ModTime()
		}
		out = append(out, en)
	}
	return out, nil
}
