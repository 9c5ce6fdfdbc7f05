// Package partition implements the authoritative, append-only transcript
// store for a single context: a rolling active.jsonl partition,
// immutable archived partitions, a manifest, and optional per-partition
// Bloom term filters.
package partition

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"

	"github.com/chibi-run/chibi/internal/entry"
	"github.com/chibi-run/chibi/internal/errs"
	"github.com/chibi-run/chibi/internal/safeio"
)

// Policy configures rotation thresholds. A zero pointer field means
// "disabled".
type Policy struct {
	MaxEntries    *int64
	MaxAgeSeconds *int64
	MaxTokens     *int64
	BytesPerToken int64
	BloomEnabled  bool
}

// DefaultPolicy matches defaults.
func DefaultPolicy() Policy {
	entries := int64(1000)
	age := int64(30 * 24 * 3600)
	return Policy{
		MaxEntries:    &entries,
		MaxAgeSeconds: &age,
		BytesPerToken: 3,
		BloomEnabled:  true,
	}
}

// PartitionMeta describes one archived partition, as stored in manifest.json.
type PartitionMeta struct {
	Path       string `json:"path"`
	StartTS    int64  `json:"start_ts"`
	EndTS      int64  `json:"end_ts"`
	EntryCount int    `json:"entry_count"`
	ByteSize   int64  `json:"byte_size"`
}

type manifestDoc struct {
	Partitions []PartitionMeta `json:"partitions"`
}

// ActiveState caches cheap-to-recompute facts about active.jsonl.
type ActiveState struct {
	EntryCount     int64
	FirstTimestamp int64
	ByteSize       int64
}

// Manager is the authoritative store for one context's transcript.
type Manager struct {
	dir    string // <context>/transcript
	policy Policy

	mu       sync.Mutex
	manifest manifestDoc
	active   ActiveState
}

func activePath(dir string) string    { return filepath.Join(dir, "active.jsonl") }
func manifestPath(dir string) string  { return filepath.Join(dir, "manifest.json") }
func partitionsDir(dir string) string { return filepath.Join(dir, "partitions") }

// Load opens (or initializes) the partition set rooted at dir. cached, if
// non-nil, is trusted instead of re-scanning active.jsonl.
func Load(dir string, policy Policy, cached *ActiveState) (*Manager, error) {
	if err := migrateLegacy(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(partitionsDir(dir), 0o755); err != nil {
		return nil, errs.Wrap(errs.Io, "partition.Load", "mkdir", err)
	}

	m := &Manager{dir: dir, policy: policy}

	man, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	m.manifest = man

	if cached != nil {
		m.active = *cached
	} else {
		st, err := scanActive(activePath(dir))
		if err != nil {
			return nil, err
		}
		m.active = st
	}
	return m, nil
}

// migrateLegacy moves a pre-partition single transcript.jsonl file (sitting
// beside the context directory, i.e. one level up from dir) into
// transcript/active.jsonl.
func migrateLegacy(dir string) error {
	legacy := filepath.Join(filepath.Dir(dir), "transcript.jsonl")
	if _, err := os.Stat(dir); err == nil {
		return nil // transcript/ already exists
	}
	if _, err := os.Stat(legacy); err != nil {
		return nil // nothing to migrate
	}
	if err := os.MkdirAll(partitionsDir(dir), 0o755); err != nil {
		return errs.Wrap(errs.Io, "partition.migrateLegacy", "mkdir", err)
	}
	return os.Rename(legacy, activePath(dir))
}

func readManifest(dir string) (manifestDoc, error) {
	data, err := os.ReadFile(manifestPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return manifestDoc{}, nil
		}
		return manifestDoc{}, errs.Wrap(errs.Io, "partition.readManifest", "read", err)
	}
	var doc manifestDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		// Corrupt manifest: rebuild from partitions/ filenames.
		return rebuildManifestFromFilenames(dir), nil
	}
	return doc, nil
}

func rebuildManifestFromFilenames(dir string) manifestDoc {
	var doc manifestDoc
	entries, err := os.ReadDir(partitionsDir(dir))
	if err != nil {
		return doc
	}
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".jsonl") {
			continue
		}
		start, end, ok := parseRangeName(de.Name())
		if !ok {
			continue
		}
		info, err := de.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		doc.Partitions = append(doc.Partitions, PartitionMeta{
			Path:    filepath.Join("partitions", de.Name()),
			StartTS: start,
			EndTS:   end,
			// EntryCount unknown after a filename-only rebuild; callers
			// that need it can rescan the file.
			ByteSize: size,
		})
	}
	sort.Slice(doc.Partitions, func(i, j int) bool {
		return doc.Partitions[i].StartTS < doc.Partitions[j].StartTS
	})
	return doc
}

func parseRangeName(name string) (int64, int64, bool) {
	base := strings.TrimSuffix(name, ".jsonl")
	parts := strings.SplitN(base, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, err1 := strconv.ParseInt(parts[0], 10, 64)
	end, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return start, end, true
}

func scanActive(path string) (ActiveState, error) {
	lines, err := safeio.ReadAllLines(path)
	if err != nil {
		return ActiveState{}, err
	}
	var st ActiveState
	info, statErr := os.Stat(path)
	if statErr == nil {
		st.ByteSize = info.Size()
	}
	first := true
	for _, line := range lines {
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		e, err := entry.Unmarshal(line)
		if err != nil {
			continue // malformed lines are skipped silently
		}
		st.EntryCount++
		if first {
			st.FirstTimestamp = e.Timestamp
			first = false
		}
	}
	return st, nil
}

func (m *Manager) saveManifest() error {
	data, err := json.MarshalIndent(m.manifest, "", "  ")
	if err != nil {
		return errs.Wrap(errs.Io, "partition.saveManifest", "marshal", err)
	}
	return safeio.AtomicReplace(manifestPath(m.dir), data)
}

// Append durably writes one entry to the active partition, assigning an id
// if the caller left it blank.
func (m *Manager) Append(e entry.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	line, err := e.Marshal()
	if err != nil {
		return errs.Wrap(errs.Io, "partition.Append", "marshal", err)
	}
	if err := safeio.AppendLines(activePath(m.dir), line); err != nil {
		return err
	}

	if m.active.EntryCount == 0 {
		m.active.FirstTimestamp = e.Timestamp
	}
	m.active.EntryCount++
	m.active.ByteSize += int64(len(line))
	return nil
}

// ActiveSnapshot returns the current cached active-partition state, for
// callers that want to pass it back into the next Load.
func (m *Manager) ActiveSnapshot() ActiveState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// RotateIfNeeded archives active.jsonl and starts a fresh one if any
// configured threshold is exceeded.
func (m *Manager) RotateIfNeeded(now int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active.EntryCount == 0 {
		return false, nil
	}
	if !m.shouldRotateLocked(now) {
		return false, nil
	}
	if err := m.rotateLocked(now); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) shouldRotateLocked(now int64) bool {
	p := m.policy
	if p.MaxEntries != nil && m.active.EntryCount >= *p.MaxEntries {
		return true
	}
	if p.MaxAgeSeconds != nil && m.active.FirstTimestamp > 0 && now-m.active.FirstTimestamp >= *p.MaxAgeSeconds {
		return true
	}
	if p.MaxTokens != nil {
		bpt := p.BytesPerToken
		if bpt <= 0 {
			bpt = 3
		}
		if m.active.ByteSize/bpt >= *p.MaxTokens {
			return true
		}
	}
	return false
}

func (m *Manager) rotateLocked(now int64) error {
	lines, err := safeio.ReadAllLines(activePath(m.dir))
	if err != nil {
		return err
	}

	var entries []entry.Entry
	filter := bloomFor(lines, m.policy.BloomEnabled, &entries)

	start, end := now, now
	if len(entries) > 0 {
		start = entries[0].Timestamp
		end = entries[len(entries)-1].Timestamp
	}

	name := fmt.Sprintf("%d-%d.jsonl", start, end)
	dst := filepath.Join(partitionsDir(m.dir), name)

	data, err := os.ReadFile(activePath(m.dir))
	if err != nil {
		return errs.Wrap(errs.Io, "partition.rotateLocked", "read active", err)
	}
	if err := safeio.AtomicReplace(dst, data); err != nil {
		return err
	}

	if filter != nil {
		bdata, err := filter.MarshalJSON()
		if err == nil {
			_ = safeio.AtomicReplace(strings.TrimSuffix(dst, ".jsonl")+".bloom", bdata)
		}
	}

	if err := safeio.AtomicReplace(activePath(m.dir), nil); err != nil {
		return err
	}

	m.manifest.Partitions = append(m.manifest.Partitions, PartitionMeta{
		Path:       filepath.Join("partitions", name),
		StartTS:    start,
		EndTS:      end,
		EntryCount: len(entries),
		ByteSize:   int64(len(data)),
	})
	if err := m.saveManifest(); err != nil {
		return err
	}

	m.active = ActiveState{}
	return nil
}

func bloomFor(lines [][]byte, enabled bool, out *[]entry.Entry) *bloom.BloomFilter {
	var terms []string
	for _, line := range lines {
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		e, err := entry.Unmarshal(line)
		if err != nil {
			continue
		}
		*out = append(*out, e)
		terms = append(terms, entry.Tokenize(e.Content)...)
	}
	if !enabled {
		return nil
	}
	n := uint(len(terms))
	if n == 0 {
		n = 1
	}
	filter := bloom.NewWithEstimates(n, 0.01)
	for _, t := range terms {
		filter.AddString(t)
	}
	return filter
}

// ReadAllEntries returns every entry across all archived partitions plus
// the active partition, in transcript order.
func (m *Manager) ReadAllEntries() ([]entry.Entry, error) {
	m.mu.Lock()
	parts := append([]PartitionMeta(nil), m.manifest.Partitions...)
	m.mu.Unlock()

	var out []entry.Entry
	for _, p := range parts {
		es, err := readEntries(filepath.Join(m.dir, p.Path))
		if err != nil {
			return nil, err
		}
		out = append(out, es...)
	}
	es, err := readEntries(activePath(m.dir))
	if err != nil {
		return nil, err
	}
	out = append(out, es...)
	return out, nil
}

func readEntries(path string) ([]entry.Entry, error) {
	lines, err := safeio.ReadAllLines(path)
	if err != nil {
		return nil, err
	}
	var out []entry.Entry
	for _, line := range lines {
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		e, err := entry.Unmarshal(line)
		if err != nil {
			continue // skip malformed lines silently
		}
		out = append(out, e)
	}
	return out, nil
}

// ReadRange returns entries whose timestamp falls in [from, to], skipping
// archived partitions whose range doesn't intersect.
func (m *Manager) ReadRange(from, to int64) ([]entry.Entry, error) {
	m.mu.Lock()
	parts := append([]PartitionMeta(nil), m.manifest.Partitions...)
	m.mu.Unlock()

	var out []entry.Entry
	for _, p := range parts {
		if p.EndTS < from || p.StartTS > to {
			continue
		}
		es, err := readEntries(filepath.Join(m.dir, p.Path))
		if err != nil {
			return nil, err
		}
		out = append(out, filterRange(es, from, to)...)
	}
	es, err := readEntries(activePath(m.dir))
	if err != nil {
		return nil, err
	}
	out = append(out, filterRange(es, from, to)...)
	return out, nil
}

func filterRange(es []entry.Entry, from, to int64) []entry.Entry {
	var out []entry.Entry
	for _, e := range es {
		if e.Timestamp >= from && e.Timestamp <= to {
			out = append(out, e)
		}
	}
	return out
}

// SearchTerm returns the archived partitions whose Bloom filter reports
// "possibly contains" term (or which have no filter, treated as a possible
// match). The active partition has no filter and is never listed here;
// callers scan it separately.
func (m *Manager) SearchTerm(term string) ([]PartitionMeta, error) {
	m.mu.Lock()
	parts := append([]PartitionMeta(nil), m.manifest.Partitions...)
	m.mu.Unlock()

	needle := entry.Tokenize(term)
	key := term
	if len(needle) > 0 {
		key = needle[0]
	}

	var candidates []PartitionMeta
	for _, p := range parts {
		bloomPath := strings.TrimSuffix(filepath.Join(m.dir, p.Path), ".jsonl") + ".bloom"
		data, err := os.ReadFile(bloomPath)
		if err != nil {
			candidates = append(candidates, p) // absent filter: possibly contains
			continue
		}
		filter := &bloom.BloomFilter{}
		if err := filter.UnmarshalJSON(data); err != nil {
			candidates = append(candidates, p)
			continue
		}
		if filter.TestString(key) {
			candidates = append(candidates, p)
		}
	}
	return candidates, nil
}
