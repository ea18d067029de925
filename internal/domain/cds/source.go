package cds

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/platform/cql"
	"github.com/ehr/cdshooks/internal/platform/fhir"
)

// RuleSource loads the rules a service advertises.
type RuleSource interface {
	Load(ctx context.Context) ([]*Rule, error)
}

// BindRules assembles rules from a flat collection of PlanDefinition,
// Library and ActivityDefinition resources. Each plan is bound to its
// primary library by canonical url, url|version, Library/id or name.
// A plan whose library is missing is kept without one.
func BindRules(resources []fhir.Resource, libs *cql.LibraryCache, logger zerolog.Logger) ([]*Rule, error) {
	if libs == nil {
		libs = cql.NewLibraryCache()
	}
	byRef := make(map[string]*cql.Library)
	catalog := NewActivityCatalog()
	var plans []*PlanDefinition

	for _, res := range resources {
		switch fhir.ResourceType(res) {
		case "Library":
			lib, err := libs.Load(res)
			if err != nil {
				return nil, fmt.Errorf("library %s: %w", fhir.ResourceID(res), err)
			}
			for _, k := range libraryRefs(res) {
				byRef[k] = lib
			}
		case "ActivityDefinition":
			catalog.Add(res)
		case "PlanDefinition":
			pd, err := DecodePlanDefinition(res)
			if err != nil {
				return nil, err
			}
			plans = append(plans, pd)
		}
	}

	rules := make([]*Rule, 0, len(plans))
	for _, pd := range plans {
		var lib *cql.Library
		if ref := pd.PrimaryLibrary(); ref != "" {
			lib = byRef[ref]
			if lib == nil {
				logger.Warn().Str("plan", pd.ID).Str("library", ref).Msg("primary library not found")
			}
		}
		r, err := NewRule(pd, lib, catalog)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func libraryRefs(res fhir.Resource) []string {
	var refs []string
	u, _ := res["url"].(string)
	version, _ := res["version"].(string)
	name, _ := res["name"].(string)
	if u != "" {
		refs = append(refs, u)
		if version != "" {
			refs = append(refs, u+"|"+version)
		}
	}
	if id := fhir.ResourceID(res); id != "" {
		refs = append(refs, "Library/"+id)
	}
	if name != "" {
		refs = append(refs, name)
	}
	return refs
}

// DirSource reads rules from *.json files under a directory. Each file holds
// one resource or a Bundle of them.
type DirSource struct {
	dir    string
	libs   *cql.LibraryCache
	logger zerolog.Logger
}

func NewDirSource(dir string, libs *cql.LibraryCache, logger zerolog.Logger) *DirSource {
	return &DirSource{dir: dir, libs: libs, logger: logger}
}

func (s *DirSource) Load(_ context.Context) ([]*Rule, error) {
	resources, err := ReadResources(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir %s: %w", s.dir, err)
	}
	s.logger.Debug().Str("dir", s.dir).Int("resources", len(resources)).Msg("rule files read")
	return BindRules(resources, s.libs, s.logger)
}

// ReadResources reads every resource from the *.json files under path, which
// may also name a single file. Files are read in lexical order and Bundles
// are expanded into their entries.
func ReadResources(path string) ([]fhir.Resource, error) {
	var files []string
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".json") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var resources []fhir.Resource
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", f, err)
		}
		resources = append(resources, fhir.ExpandResources(doc)...)
	}
	return resources, nil
}

// ResourceFetcher is the part of a FHIR REST client used to load rules.
type ResourceFetcher interface {
	Search(ctx context.Context, resourceType string, params url.Values) ([]fhir.Resource, error)
	ReadCanonical(ctx context.Context, resourceType, canonical string) (fhir.Resource, error)
}

// FHIRSource loads ECA rule plan definitions from a FHIR server together
// with their primary libraries and referenced activity definitions.
type FHIRSource struct {
	client ResourceFetcher
	libs   *cql.LibraryCache
	logger zerolog.Logger
}

func NewFHIRSource(client ResourceFetcher, libs *cql.LibraryCache, logger zerolog.Logger) *FHIRSource {
	return &FHIRSource{client: client, libs: libs, logger: logger}
}

func (s *FHIRSource) Load(ctx context.Context) ([]*Rule, error) {
	plans, err := s.client.Search(ctx, "PlanDefinition", url.Values{"type": {ECARuleType}})
	if err != nil {
		return nil, err
	}

	resources := append([]fhir.Resource(nil), plans...)
	seen := make(map[string]bool)
	fetch := func(resourceType, canonical string) {
		key := resourceType + " " + canonical
		if canonical == "" || seen[key] {
			return
		}
		seen[key] = true
		res, err := s.client.ReadCanonical(ctx, resourceType, canonical)
		if err != nil {
			s.logger.Warn().Err(err).Str("type", resourceType).Str("canonical", canonical).Msg("rule dependency not loaded")
			return
		}
		resources = append(resources, res)
	}

	for _, res := range plans {
		if fhir.ResourceType(res) != "PlanDefinition" {
			continue
		}
		pd, err := DecodePlanDefinition(res)
		if err != nil {
			return nil, err
		}
		fetch("Library", pd.PrimaryLibrary())
		for _, canonical := range activityCanonicals(pd.Action) {
			fetch("ActivityDefinition", canonical)
		}
	}
	return BindRules(resources, s.libs, s.logger)
}

func activityCanonicals(actions []PlanAction) []string {
	var out []string
	for _, c := range definitionCanonicals(actions) {
		if strings.Contains(c, "ActivityDefinition") {
			out = append(out, c)
		}
	}
	return out
}

// PostgresSource loads active rules from the rule repository.
type PostgresSource struct {
	repo   RuleRepository
	libs   *cql.LibraryCache
	logger zerolog.Logger
}

func NewPostgresSource(repo RuleRepository, libs *cql.LibraryCache, logger zerolog.Logger) *PostgresSource {
	return &PostgresSource{repo: repo, libs: libs, logger: logger}
}

func (s *PostgresSource) Load(ctx context.Context) ([]*Rule, error) {
	stored, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	var resources []fhir.Resource
	for _, sr := range stored {
		plan, lib, activities, err := sr.Resources()
		if err != nil {
			return nil, err
		}
		resources = append(resources, plan)
		if lib != nil {
			resources = append(resources, lib)
		}
		resources = append(resources, activities...)
	}
	return BindRules(resources, s.libs, s.logger)
}

// RuleSet is the in-memory registry of servable rules. It is safe for
// concurrent use; Reload swaps the whole set at once.
type RuleSet struct {
	mu     sync.RWMutex
	source RuleSource
	libs   *cql.LibraryCache
	rules  []*Rule
	byID   map[string]*Rule
	logger zerolog.Logger
}

// NewRuleSet creates an empty set backed by source. libs is reset on every
// reload so that edited libraries are parsed again; it may be nil.
func NewRuleSet(source RuleSource, libs *cql.LibraryCache, logger zerolog.Logger) *RuleSet {
	return &RuleSet{
		source: source,
		libs:   libs,
		byID:   make(map[string]*Rule),
		logger: logger.With().Str("component", "rules").Logger(),
	}
}

// NewStaticRuleSet serves a fixed list of rules.
func NewStaticRuleSet(rules ...*Rule) *RuleSet {
	rs := &RuleSet{byID: make(map[string]*Rule), logger: zerolog.Nop()}
	rs.swap(rules)
	return rs
}

// Reload replaces the set with the source's current rules. On error the
// previous set stays in place.
func (rs *RuleSet) Reload(ctx context.Context) error {
	if rs.source == nil {
		return nil
	}
	if rs.libs != nil {
		rs.libs.Reset()
	}
	rules, err := rs.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	rs.swap(rules)
	rs.logger.Info().Int("rules", len(rules)).Msg("rules loaded")
	return nil
}

func (rs *RuleSet) swap(rules []*Rule) {
	byID := make(map[string]*Rule, len(rules))
	kept := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if _, dup := byID[r.ID]; dup {
			rs.logger.Warn().Str("service_id", r.ID).Msg("duplicate rule id ignored")
			continue
		}
		byID[r.ID] = r
		kept = append(kept, r)
	}
	rs.mu.Lock()
	rs.rules = kept
	rs.byID = byID
	rs.mu.Unlock()
}

// Get returns the rule with the given service id.
func (rs *RuleSet) Get(id string) (*Rule, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.byID[id]
	return r, ok
}

// All returns the current rules in load order.
func (rs *RuleSet) All() []*Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return append([]*Rule(nil), rs.rules...)
}
