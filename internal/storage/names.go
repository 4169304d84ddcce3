package storage

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/MrWong99/reccon/pkg/audio/encode"
)

// Kind classifies a directory entry by its name alone.
type Kind int

const (
	// KindUnrecognised is anything the manager did not create.
	KindUnrecognised Kind = iota

	// KindPartial is an in-progress segment: <id>.<ext>.part
	KindPartial

	// KindSealed is a finished segment awaiting upload: <id>.<ext>
	KindSealed

	// KindUploaded is a finished, uploaded segment: <id>.uploaded.<ext>
	KindUploaded

	// KindOrphan is a kept partial from an earlier run: <id>.<ext>.orphan
	KindOrphan
)

// String returns the kind name used in listings and metrics.
func (k Kind) String() string {
	switch k {
	case KindPartial:
		return "partial"
	case KindSealed:
		return "sealed"
	case KindUploaded:
		return "uploaded"
	case KindOrphan:
		return "orphan"
	default:
		return "unrecognised"
	}
}

const (
	suffixPartial  = ".part"
	suffixOrphan   = ".orphan"
	markerUploaded = ".uploaded"

	// scratchPrefix names the short-lived files written by [Dir.Check].
	scratchPrefix = ".reccon-check-"

	// lockName is the advisory lock file taken by [Open].
	lockName = ".reccon.lock"
)

// hidden reports whether name is one of the manager's own bookkeeping files.
func hidden(name string) bool {
	return name == lockName || strings.HasPrefix(name, scratchPrefix)
}

// Name is a parsed segment file name.
type Name struct {
	ID   string
	Ext  string
	Kind Kind
}

// Created returns the creation time encoded in the ID.
func (n Name) Created() time.Time {
	id, err := ulid.ParseStrict(n.ID)
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(id.Time())
}

// String renders the file name for n.
func (n Name) String() string {
	base := n.ID + "." + n.Ext
	switch n.Kind {
	case KindPartial:
		return base + suffixPartial
	case KindOrphan:
		return base + suffixOrphan
	case KindUploaded:
		return n.ID + markerUploaded + "." + n.Ext
	default:
		return base
	}
}

// As returns n with its kind replaced.
func (n Name) As(k Kind) Name {
	n.Kind = k
	return n
}

// ParseName classifies a file name. The boolean is false for anything that
// is not a segment file name.
func ParseName(name string) (Name, bool) {
	kind := KindSealed
	switch {
	case strings.HasSuffix(name, suffixPartial):
		kind = KindPartial
		name = strings.TrimSuffix(name, suffixPartial)
	case strings.HasSuffix(name, suffixOrphan):
		kind = KindOrphan
		name = strings.TrimSuffix(name, suffixOrphan)
	}

	id, ext, ok := strings.Cut(name, ".")
	if !ok {
		return Name{}, false
	}
	if rest, found := strings.CutPrefix(ext, strings.TrimPrefix(markerUploaded, ".")+"."); found {
		if kind != KindSealed {
			return Name{}, false
		}
		kind = KindUploaded
		ext = rest
	}
	if !encode.Format(ext).IsValid() {
		return Name{}, false
	}
	if _, err := ulid.ParseStrict(id); err != nil {
		return Name{}, false
	}
	return Name{ID: id, Ext: ext, Kind: kind}, true
}
