// Package store is the durable substrate of the pipeline: a directory tree per
// domain whose sub-areas hold patch records as plain files. It holds no policy;
// callers decide when a record moves.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/teranos/patchspool/errors"
)

// Area names a sub-directory of a domain
type Area string

// Record areas. A record lives in exactly one of these at any instant.
const (
	Spool     Area = "spool"
	Queue     Area = "queue"
	Completed Area = "completed"
	Failed    Area = "failed"
	Rejected  Area = "rejected"
)

// Auxiliary areas hold artifacts about records, never records themselves.
const (
	Quarantine Area = "quarantine"
	Summaries  Area = "summaries"
	Results    Area = "results"
	Reports    Area = "reports"
)

// RecordAreas are the areas a record can occupy
var RecordAreas = []Area{Spool, Queue, Completed, Failed, Rejected}

var domainAreas = []Area{Spool, Queue, Completed, Failed, Rejected, Quarantine, Summaries, Results, Reports}

// RejectionSuffix is appended to a rejected record's name for its report
const RejectionSuffix = ".rejection.json"

// MaxNameBytes is the longest file name the store creates
const MaxNameBytes = 255

// Root-level artifact names
const (
	HeartbeatFile      = "heartbeat.json"
	WatchdogStatusFile = "watchdog-status.json"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Entry describes one file in an area
type Entry struct {
	Domain  string
	Area    Area
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// Stem is the name without its final extension
func (e Entry) Stem() string {
	return Stem(e.Name)
}

// Store is a record store rooted at a directory
type Store struct {
	root    string
	domains []string
	known   map[string]bool
}

// New creates a store; call Ensure before first use on a fresh root
func New(root string, domains []string) *Store {
	known := make(map[string]bool, len(domains))
	for _, d := range domains {
		known[d] = true
	}
	return &Store{
		root:    root,
		domains: append([]string(nil), domains...),
		known:   known,
	}
}

// Root returns the store root directory
func (s *Store) Root() string { return s.root }

// Domains returns the configured domains in configuration order
func (s *Store) Domains() []string { return append([]string(nil), s.domains...) }

// HasDomain reports whether domain is configured
func (s *Store) HasDomain(domain string) bool { return s.known[domain] }

// Ensure creates every domain area and the root-level quarantine
func (s *Store) Ensure() error {
	for _, domain := range s.domains {
		for _, area := range domainAreas {
			dir := filepath.Join(s.root, domain, string(area))
			if err := os.MkdirAll(dir, dirPerm); err != nil {
				return errors.Wrapf(err, "failed to create %s", dir)
			}
		}
	}
	if err := os.MkdirAll(s.QuarantineDir(), dirPerm); err != nil {
		return errors.Wrap(err, "failed to create root quarantine")
	}
	return nil
}

// Dir returns the directory of an area
func (s *Store) Dir(domain string, area Area) (string, error) {
	if !s.known[domain] {
		return "", errors.NewInvalidRequestError("unknown domain %q", domain)
	}
	return filepath.Join(s.root, domain, string(area)), nil
}

// Path returns the path of name inside an area
func (s *Store) Path(domain string, area Area, name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	dir, err := s.Dir(domain, area)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// RootPath returns the path of a root-level artifact
func (s *Store) RootPath(name string) string {
	return filepath.Join(s.root, name)
}

// QuarantineDir is the root-level quarantine used for failed hand-offs
func (s *Store) QuarantineDir() string {
	return filepath.Join(s.root, string(Quarantine))
}

// List returns the eligible entries of an area ordered by modification time,
// oldest first, with the name breaking ties. Hidden files, partially written
// files and, in the rejected area, rejection reports are not listed.
func (s *Store) List(domain string, area Area) ([]Entry, error) {
	dir, err := s.Dir(domain, area)
	if err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s/%s", domain, area)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if IsHidden(name) || IsPartial(name) {
			continue
		}
		if area == Rejected && IsRejectionReport(name) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// moved away between ReadDir and Info
				continue
			}
			return nil, errors.Wrapf(err, "failed to stat %s/%s/%s", domain, area, name)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		entries = append(entries, Entry{
			Domain:  domain,
			Area:    area,
			Name:    name,
			Path:    filepath.Join(dir, name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].ModTime.Equal(entries[j].ModTime) {
			return entries[i].ModTime.Before(entries[j].ModTime)
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// Count returns the number of listed entries in an area
func (s *Store) Count(domain string, area Area) (int, error) {
	entries, err := s.List(domain, area)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Stat describes a single file in an area
func (s *Store) Stat(domain string, area Area, name string) (Entry, error) {
	path, err := s.Path(domain, area, name)
	if err != nil {
		return Entry{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, errors.NewNotFoundError("%s/%s/%s", domain, area, name)
		}
		return Entry{}, errors.Wrapf(err, "failed to stat %s", path)
	}
	return Entry{
		Domain:  domain,
		Area:    area,
		Name:    name,
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// Read returns the contents of a file in an area
func (s *Store) Read(domain string, area Area, name string) ([]byte, error) {
	path, err := s.Path(domain, area, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("%s/%s/%s", domain, area, name)
		}
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return data, nil
}

// Locate finds which record area currently holds name
func (s *Store) Locate(domain, name string) (Area, error) {
	for _, area := range RecordAreas {
		path, err := s.Path(domain, area, name)
		if err != nil {
			return "", err
		}
		if _, err := os.Lstat(path); err == nil {
			return area, nil
		}
	}
	return "", errors.NewNotFoundError("%s/%s in any area", domain, name)
}

// Relocate moves a record between areas of one domain with a single rename.
// Records in completed or failed never move again, and an existing
// destination is never overwritten.
func (s *Store) Relocate(domain string, from, to Area, name string) error {
	return s.RelocateAs(domain, from, to, name, name)
}

// RelocateAs is Relocate with a different name in the destination area
func (s *Store) RelocateAs(domain string, from, to Area, name, newName string) error {
	if from == Completed || from == Failed {
		return errors.Wrapf(errors.ErrImmutable, "cannot move %s/%s/%s", domain, from, name)
	}
	if !isRecordArea(from) || !isRecordArea(to) {
		return errors.NewInvalidRequestError("relocate %s -> %s: not record areas", from, to)
	}
	if from == to {
		return errors.NewInvalidRequestError("relocate %s/%s: source and destination are the same area", domain, name)
	}

	src, err := s.Path(domain, from, name)
	if err != nil {
		return err
	}
	dst, err := s.Path(domain, to, newName)
	if err != nil {
		return err
	}

	if _, err := os.Lstat(dst); err == nil {
		return errors.Wrapf(errors.ErrConflict, "%s/%s/%s already exists", domain, to, newName)
	}
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return errors.NewNotFoundError("%s/%s/%s", domain, from, name)
		}
		return errors.WithDetailf(
			errors.Wrapf(err, "failed to move %s from %s to %s", name, from, to),
			"domain: %s", domain)
	}
	return nil
}

// RelocateAt relocates and stamps the record's modification time so that
// listing order in the destination follows arrival order.
func (s *Store) RelocateAt(domain string, from, to Area, name string, at time.Time) error {
	if err := s.Relocate(domain, from, to, name); err != nil {
		return err
	}
	dst, _ := s.Path(domain, to, name)
	if err := os.Chtimes(dst, at, at); err != nil {
		return errors.Wrapf(err, "failed to stamp arrival time on %s", dst)
	}
	return nil
}

// WriteFile atomically writes an artifact into an area and returns its path
func (s *Store) WriteFile(domain string, area Area, name string, data []byte) (string, error) {
	path, err := s.Path(domain, area, name)
	if err != nil {
		return "", err
	}
	if err := WriteFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// WriteJSON atomically writes v as indented JSON into an area
func (s *Store) WriteJSON(domain string, area Area, name string, v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", errors.Wrapf(err, "failed to encode %s", name)
	}
	return s.WriteFile(domain, area, name, data)
}

// WriteRootJSON atomically writes a root-level artifact
func (s *Store) WriteRootJSON(name string, v interface{}) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", errors.Wrapf(err, "failed to encode %s", name)
	}
	path := s.RootPath(name)
	if err := WriteFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// WriteFileAtomic writes data to a temporary file beside path and renames it
// into place, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return errors.Wrapf(err, "failed to create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".patchspool-*.tmp")
	if err != nil {
		return errors.Wrapf(err, "failed to create temp file for %s", path)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrapf(err, "failed to write %s", path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrapf(err, "failed to sync %s", path)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrapf(err, "failed to close %s", path)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		cleanup()
		return errors.Wrapf(err, "failed to chmod %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return errors.Wrapf(err, "failed to move %s into place", path)
	}
	return nil
}

// IsHidden reports dot-files, which are never records
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// IsPartial reports files still being written by a producer
func IsPartial(name string) bool {
	return strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".part")
}

// RejectionReportName names the report written beside a rejected record
func RejectionReportName(name string) string {
	return BoundedName(name, RejectionSuffix)
}

// SummaryName names the summary of the record with stem
func SummaryName(stem string) string {
	return BoundedName(stem, ".md")
}

// ResultName names the execution result of the record with stem
func ResultName(stem string) string {
	return BoundedName(stem, ".json")
}

// IsRejectionReport reports a rejection report written beside a rejected record
func IsRejectionReport(name string) bool {
	return strings.HasSuffix(name, RejectionSuffix)
}

// BoundedName joins stem and suffix. When the result would exceed
// MaxNameBytes the stem is cut short and a hash of the full stem appended,
// so distinct stems keep distinct names.
func BoundedName(stem, suffix string) string {
	if len(stem)+len(suffix) <= MaxNameBytes {
		return stem + suffix
	}
	sum := sha256.Sum256([]byte(stem))
	tag := "-" + hex.EncodeToString(sum[:8])
	keep := MaxNameBytes - len(suffix) - len(tag)
	if keep < 0 {
		keep = 0
	}
	cut := stem[:min(keep, len(stem))]
	// drop a rune split by the cut
	for len(cut) > 0 {
		if r, size := utf8.DecodeLastRuneInString(cut); r != utf8.RuneError || size > 1 {
			break
		}
		cut = cut[:len(cut)-1]
	}
	return cut + tag + suffix
}

// Stem strips the final extension from name
func Stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func isRecordArea(a Area) bool {
	for _, r := range RecordAreas {
		if r == a {
			return true
		}
	}
	return false
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return errors.NewInvalidRequestError("invalid record name %q", name)
	}
	return nil
}
