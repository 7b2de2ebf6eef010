package fragbench

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Category is the role of a storage artifact.
type Category int

const (
	CategoryPrimary Category = iota
	CategorySecondary
	CategoryLog
	CategoryOther
)

var categoryNames = [...]string{"primary", "secondary", "log", "other"}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("category(%d)", int(c))
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	i := slices.Index(categoryNames[:], strings.ToLower(string(b)))
	if i < 0 {
		return fmt.Errorf("unknown storage category %q", b)
	}
	*c = Category(i)
	return nil
}

// DefaultExtensions classifies the files written by the bundled stores.
// Anything not listed is CategoryOther.
var DefaultExtensions = map[string]Category{
	BoltDataExt:  CategoryPrimary,
	"db":         CategoryPrimary,
	"sqlite":     CategoryPrimary,
	"cpm":        CategorySecondary,
	"sqlite-shm": CategorySecondary,
	"wal":        CategoryLog,
	"sqlite-wal": CategoryLog,
}

// StorageFile is a file directly under a storage location.
type StorageFile struct {
	Name      string   `json:"name"`
	Size      int64    `json:"size"`
	Allocated int64    `json:"allocated,omitempty"`
	Category  Category `json:"category"`
}

// SizeSnapshot is a point-in-time measurement of a storage location.
type SizeSnapshot struct {
	Taken     time.Time     `json:"taken"`
	Location  string        `json:"location"`
	Primary   int64         `json:"primary"`
	Secondary int64         `json:"secondary"`
	Log       int64         `json:"log"`
	Other     int64         `json:"other"`
	Allocated int64         `json:"allocated,omitempty"`
	Files     []StorageFile `json:"files,omitempty"`
}

// Total is primary + secondary + other. Log bytes reflect durability
// bookkeeping and are excluded.
func (s SizeSnapshot) Total() int64 {
	return s.Primary + s.Secondary + s.Other
}

func (s SizeSnapshot) Get(c Category) int64 {
	switch c {
	case CategoryPrimary:
		return s.Primary
	case CategorySecondary:
		return s.Secondary
	case CategoryLog:
		return s.Log
	default:
		return s.Other
	}
}

func (s *SizeSnapshot) add(c Category, n int64) {
	switch c {
	case CategoryPrimary:
		s.Primary += n
	case CategorySecondary:
		s.Secondary += n
	case CategoryLog:
		s.Log += n
	default:
		s.Other += n
	}
}

func (s SizeSnapshot) String() string {
	return fmt.Sprintf("WAL: %s, Primary: %s, Secondary: %s, Other: %s",
		HumanSize(s.Log), HumanSize(s.Primary), HumanSize(s.Secondary), HumanSize(s.Other))
}

// Prober measures storage.
type Prober interface {
	Snapshot(ctx context.Context) (SizeSnapshot, error)
}

// Probe measures a storage directory on disk.
type Probe struct {
	// Location is the storage directory. Only files directly under it are
	// counted.
	Location string

	// LogDir is an optional write-ahead log directory, measured
	// recursively and counted as log bytes. It may live outside Location.
	LogDir string

	// Extensions maps lowercase file extensions to categories. Nil means
	// DefaultExtensions.
	Extensions map[string]Category

	Now func() time.Time
}

var _ Prober = (*Probe)(nil)

func (p *Probe) Classify(name string) Category {
	ext := strings.ToLower(filepath.Ext(name))
	ext = strings.TrimPrefix(ext, ".")
	exts := p.Extensions
	if exts == nil {
		exts = DefaultExtensions
	}
	if c, ok := exts[ext]; ok {
		return c
	}
	return CategoryOther
}

func (p *Probe) Snapshot(ctx context.Context) (SizeSnapshot, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	snap := SizeSnapshot{Taken: now(), Location: p.Location}

	files, err := ListStorageFiles(p.Location)
	if err != nil {
		return snap, err
	}
	for _, f := range files {
		f.Category = p.Classify(f.Name)
		snap.add(f.Category, f.Size)
		snap.Allocated += f.Allocated
		snap.Files = append(snap.Files, f)
	}
	if err := ctx.Err(); err != nil {
		return snap, &ProbeError{Path: p.Location, Err: err}
	}

	if p.LogDir != "" && !sameDir(p.LogDir, p.Location) {
		n, err := DirectorySize(p.LogDir)
		if err != nil {
			return snap, err
		}
		snap.Log += n
	}
	return snap, nil
}

func sameDir(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}

// ListStorageFiles returns the regular files directly under dir, sorted by
// name. Subdirectories are skipped.
func ListStorageFiles(dir string) ([]StorageFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &ProbeError{Path: dir, Err: err}
	}
	var files []StorageFile
	for _, ent := range entries {
		if !ent.Type().IsRegular() {
			continue
		}
		fi, err := ent.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue // removed while listing
		} else if err != nil {
			return nil, &ProbeError{Path: filepath.Join(dir, ent.Name()), Err: err}
		}
		files = append(files, StorageFile{
			Name:      ent.Name(),
			Size:      fi.Size(),
			Allocated: allocatedSize(filepath.Join(dir, ent.Name())),
		})
	}
	return files, nil
}

// DirectorySize returns the total size of regular files under dir,
// recursively. A missing directory has size 0.
func DirectorySize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				if path == dir {
					return fs.SkipAll
				}
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		} else if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	if err != nil {
		return 0, &ProbeError{Path: dir, Err: err}
	}
	return total, nil
}

const (
	kb = 1024
	mb = 1024 * 1024
)

// HumanSize formats n as "N Bytes", "N KB" or "N MB", truncating to whole
// units.
func HumanSize(n int64) string {
	switch {
	case n < kb:
		return fmt.Sprintf("%d Bytes", n)
	case n < mb:
		return fmt.Sprintf("%d KB", n/kb)
	default:
		return fmt.Sprintf("%d MB", n/mb)
	}
}
