// Package rulestore loads, validates, and pins immutable rule documents
// keyed by (tool, version). The store is a read-only snapshot after load;
// refresh atomically swaps in a new snapshot while in-flight decisions keep
// the documents they captured.
package rulestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"

	"github.com/signalline/qscore/pkg/canonicalize"
	"github.com/signalline/qscore/pkg/contracts"
)

var (
	// ErrRuleNotFound is returned when no document exists for (tool, version).
	ErrRuleNotFound = errors.New("rule document not found")
	// ErrNoProductionVersion is returned when a tool has no production pin.
	ErrNoProductionVersion = errors.New("no production version")
)

type docKey struct {
	tool    string
	version string
}

type snapshot struct {
	docs     map[docKey]*contracts.RuleDocument
	hashes   map[docKey]string
	roles    map[string]map[contracts.RuleRole]string
	versions map[string][]string // semver ascending
}

// Store serves validated rule documents. All lookups read the current
// snapshot; no locking is needed after load.
type Store struct {
	snap   atomic.Pointer[snapshot]
	logger *slog.Logger
}

// New creates an empty store. Load a snapshot with Refresh, LoadDir, or
// LoadFS before serving lookups.
func New() *Store {
	s := &Store{logger: slog.Default().With("component", "rulestore")}
	s.snap.Store(&snapshot{
		docs:     map[docKey]*contracts.RuleDocument{},
		hashes:   map[docKey]string{},
		roles:    map[string]map[contracts.RuleRole]string{},
		versions: map[string][]string{},
	})
	return s
}

// rolesManifest is the per-tool pin file (roles.json) in a document tree.
type rolesManifest struct {
	Production string   `json:"production"`
	Shadow     string   `json:"shadow,omitempty"`
	Archived   []string `json:"archived,omitempty"`
}

// LoadDir loads and validates a document tree from disk and atomically
// replaces the current snapshot. Layout: <dir>/<tool>/<version>.json plus
// <dir>/<tool>/roles.json. declaredInputs maps tool name to the input-schema
// fields its documents may reference.
func (s *Store) LoadDir(dir string, declaredInputs map[string][]string) error {
	return s.LoadFS(os.DirFS(dir), declaredInputs)
}

// Refresh revalidates the document tree and swaps the snapshot in one
// step. A tree that fails validation leaves the current snapshot serving.
func (s *Store) Refresh(dir string, declaredInputs map[string][]string) error {
	return s.LoadDir(dir, declaredInputs)
}

// LoadFS is LoadDir over any fs.FS (embedded seed documents included).
func (s *Store) LoadFS(fsys fs.FS, declaredInputs map[string][]string) error {
	next, err := buildSnapshot(fsys, declaredInputs)
	if err != nil {
		return err
	}
	s.snap.Store(next)
	s.logger.Info("rule snapshot loaded", "tools", len(next.roles), "documents", len(next.docs))
	return nil
}

func buildSnapshot(fsys fs.FS, declaredInputs map[string][]string) (*snapshot, error) {
	next := &snapshot{
		docs:     map[docKey]*contracts.RuleDocument{},
		hashes:   map[docKey]string{},
		roles:    map[string]map[contracts.RuleRole]string{},
		versions: map[string][]string{},
	}

	tools, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("rulestore: read root: %w", err)
	}

	for _, entry := range tools {
		if !entry.IsDir() {
			continue
		}
		tool := entry.Name()

		files, err := fs.ReadDir(fsys, tool)
		if err != nil {
			return nil, fmt.Errorf("rulestore: read %s: %w", tool, err)
		}

		var manifest *rolesManifest
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			raw, err := fs.ReadFile(fsys, path.Join(tool, f.Name()))
			if err != nil {
				return nil, fmt.Errorf("rulestore: read %s/%s: %w", tool, f.Name(), err)
			}

			if f.Name() == "roles.json" {
				var m rolesManifest
				if err := strictUnmarshal(raw, &m); err != nil {
					return nil, invalidLoad(tool, f.Name(), err)
				}
				manifest = &m
				continue
			}

			var doc contracts.RuleDocument
			if err := strictUnmarshal(raw, &doc); err != nil {
				return nil, invalidLoad(tool, f.Name(), err)
			}
			if doc.Metadata.Tool != tool {
				return nil, invalidLoad(tool, f.Name(), fmt.Errorf("metadata.tool %q does not match directory", doc.Metadata.Tool))
			}
			want := strings.TrimSuffix(f.Name(), ".json")
			if doc.Metadata.Version != want {
				return nil, invalidLoad(tool, f.Name(), fmt.Errorf("metadata.version %q does not match filename", doc.Metadata.Version))
			}
			if err := ValidateDocument(&doc, declaredInputs[tool]); err != nil {
				return nil, fmt.Errorf("rulestore: %s/%s: %w", tool, f.Name(), err)
			}

			key := docKey{tool: tool, version: doc.Metadata.Version}
			hash, err := canonicalize.Hash(&doc)
			if err != nil {
				return nil, invalidLoad(tool, f.Name(), err)
			}
			next.docs[key] = &doc
			next.hashes[key] = hash
			next.versions[tool] = append(next.versions[tool], doc.Metadata.Version)
		}

		sortVersions(next.versions[tool])

		roles := map[contracts.RuleRole]string{}
		if manifest != nil {
			if manifest.Production != "" {
				if _, ok := next.docs[docKey{tool, manifest.Production}]; !ok {
					return nil, invalidLoad(tool, "roles.json", fmt.Errorf("production version %q has no document", manifest.Production))
				}
				roles[contracts.RoleProduction] = manifest.Production
			}
			if manifest.Shadow != "" {
				if _, ok := next.docs[docKey{tool, manifest.Shadow}]; !ok {
					return nil, invalidLoad(tool, "roles.json", fmt.Errorf("shadow version %q has no document", manifest.Shadow))
				}
				roles[contracts.RoleShadow] = manifest.Shadow
			}
		}
		next.roles[tool] = roles
	}

	return next, nil
}

// GetRule returns the document for (tool, version).
func (s *Store) GetRule(tool, version string) (*contracts.RuleDocument, error) {
	doc, ok := s.snap.Load().docs[docKey{tool, version}]
	if !ok {
		return nil, fmt.Errorf("rulestore: %s@%s: %w", tool, version, ErrRuleNotFound)
	}
	return doc, nil
}

// GetProductionRule returns the pinned production version and document.
func (s *Store) GetProductionRule(tool string) (string, *contracts.RuleDocument, error) {
	snap := s.snap.Load()
	version, ok := snap.roles[tool][contracts.RoleProduction]
	if !ok {
		return "", nil, fmt.Errorf("rulestore: %s: %w", tool, ErrNoProductionVersion)
	}
	return version, snap.docs[docKey{tool, version}], nil
}

// GetShadowRule returns the pinned shadow version, or ("", nil, nil) when
// the tool has none.
func (s *Store) GetShadowRule(tool string) (string, *contracts.RuleDocument, error) {
	snap := s.snap.Load()
	version, ok := snap.roles[tool][contracts.RoleShadow]
	if !ok {
		return "", nil, nil
	}
	return version, snap.docs[docKey{tool, version}], nil
}

// ListVersions returns the known versions for a tool in ascending semver
// order.
func (s *Store) ListVersions(tool string) []string {
	vs := s.snap.Load().versions[tool]
	out := make([]string, len(vs))
	copy(out, vs)
	return out
}

// ContentHash returns the canonical content hash of a stored document.
func (s *Store) ContentHash(tool, version string) (string, error) {
	h, ok := s.snap.Load().hashes[docKey{tool, version}]
	if !ok {
		return "", fmt.Errorf("rulestore: %s@%s: %w", tool, version, ErrRuleNotFound)
	}
	return h, nil
}

// CanonicalBytes returns the RFC 8785 serialization of a stored document.
// Reloading these bytes yields a byte-equivalent document.
func (s *Store) CanonicalBytes(tool, version string) ([]byte, error) {
	doc, err := s.GetRule(tool, version)
	if err != nil {
		return nil, err
	}
	return canonicalize.Canonical(doc)
}

// Promote pins version as the tool's production document, archiving the
// previous production pin. Promotion is a store operation: the executor
// never changes pins.
func (s *Store) Promote(tool, version string) error {
	for {
		cur := s.snap.Load()
		if _, ok := cur.docs[docKey{tool, version}]; !ok {
			return fmt.Errorf("rulestore: %s@%s: %w", tool, version, ErrRuleNotFound)
		}

		next := cur.clone()
		roles := next.roles[tool]
		if prev, ok := roles[contracts.RoleProduction]; ok && prev == version {
			return nil
		}
		roles[contracts.RoleProduction] = version
		if roles[contracts.RoleShadow] == version {
			delete(roles, contracts.RoleShadow)
		}

		if s.snap.CompareAndSwap(cur, next) {
			s.logger.Info("rule version promoted", "tool", tool, "version", version)
			return nil
		}
	}
}

func (sn *snapshot) clone() *snapshot {
	next := &snapshot{
		docs:     make(map[docKey]*contracts.RuleDocument, len(sn.docs)),
		hashes:   make(map[docKey]string, len(sn.hashes)),
		roles:    make(map[string]map[contracts.RuleRole]string, len(sn.roles)),
		versions: make(map[string][]string, len(sn.versions)),
	}
	for k, v := range sn.docs {
		next.docs[k] = v
	}
	for k, v := range sn.hashes {
		next.hashes[k] = v
	}
	for tool, roles := range sn.roles {
		rc := make(map[contracts.RuleRole]string, len(roles))
		for r, ver := range roles {
			rc[r] = ver
		}
		next.roles[tool] = rc
	}
	for tool, vs := range sn.versions {
		next.versions[tool] = append([]string(nil), vs...)
	}
	return next
}

func sortVersions(vs []string) {
	sort.Slice(vs, func(i, j int) bool {
		a, errA := semver.NewVersion(vs[i])
		b, errB := semver.NewVersion(vs[j])
		if errA != nil || errB != nil {
			return vs[i] < vs[j]
		}
		return a.LessThan(b)
	})
}

// strictUnmarshal rejects unknown fields so malformed documents fail at
// load, not at decision time.
func strictUnmarshal(raw []byte, v interface{}) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func invalidLoad(tool, file string, err error) error {
	return &contracts.EngineError{
		Code:    contracts.CodeRuleInvalid,
		Message: fmt.Sprintf("%s/%s: %v", tool, file, err),
		Err:     err,
	}
}
