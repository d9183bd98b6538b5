// Package policy decides which files may enter the corpus. Rules are
// written in Mangle datalog: each candidate file becomes a handful of
// facts, the ruleset derives deny(Reason) atoms, and any derived denial
// blocks the file. Rules load from .dossier/policy.gl when present,
// otherwise a built-in default set applies.
package policy

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	_ "github.com/google/mangle/packages"
	"github.com/google/mangle/parse"

	"dossier/internal/config"
	"dossier/internal/faults"
	"dossier/internal/ingest"
	"dossier/internal/logging"
)

var (
	symFileName  = ast.PredicateSym{Symbol: "file_name", Arity: 1}
	symFileExt   = ast.PredicateSym{Symbol: "file_ext", Arity: 1}
	symMediaType = ast.PredicateSym{Symbol: "media_type", Arity: 1}
	symSource    = ast.PredicateSym{Symbol: "source", Arity: 1}
	symSizeBytes = ast.PredicateSym{Symbol: "size_bytes", Arity: 1}
	symDeny      = ast.PredicateSym{Symbol: "deny", Arity: 1}
)

// Gate evaluates admission rules against candidate files.
type Gate struct {
	mu      sync.Mutex
	enabled bool
	program *analysis.ProgramInfo
}

var _ ingest.AdmissionGate = (*Gate)(nil)

// NewGate compiles the admission ruleset. A missing rules file falls back
// to the built-in defaults; an unreadable or malformed one is an error, so
// a typo cannot silently open the corpus.
func NewGate(cfg config.PolicyConfig) (*Gate, error) {
	if !cfg.Enabled {
		logging.Policy("Admission gate disabled, all files admitted")
		return &Gate{}, nil
	}

	rules := DefaultRules()
	origin := "builtin defaults"
	if cfg.RulesPath != "" {
		data, err := os.ReadFile(cfg.RulesPath)
		switch {
		case err == nil:
			rules = string(data)
			origin = cfg.RulesPath
		case errors.Is(err, fs.ErrNotExist):
			logging.Policy("No rules file at %s, using built-in defaults", cfg.RulesPath)
		default:
			return nil, faults.Wrap(faults.KindPermanentIO, "policy.load", err)
		}
	}

	program, err := compileRules(rules)
	if err != nil {
		return nil, err
	}
	logging.Policy("Admission gate ready (%s, %d rules)", origin, len(program.Rules))
	return &Gate{enabled: true, program: program}, nil
}

func compileRules(rules string) (*analysis.ProgramInfo, error) {
	unit, err := parse.Unit(bytes.NewReader([]byte(factSchema + rules)))
	if err != nil {
		return nil, faults.Errorf(faults.KindPermanentIO, "policy.parse", "rules do not parse: %v", err)
	}
	program, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, faults.Errorf(faults.KindPermanentIO, "policy.analyze", "rules do not analyze: %v", err)
	}
	return program, nil
}

// Admit judges one candidate file. A denial is a decision, not an error;
// the error return is reserved for cancellation and a broken ruleset.
func (g *Gate) Admit(ctx context.Context, ref ingest.FileRef) (bool, string, error) {
	if !g.enabled {
		return true, "", nil
	}
	if err := ctx.Err(); err != nil {
		return false, "", faults.Wrap(faults.KindCancelled, "policy.admit", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	store := factstore.NewSimpleInMemoryStore()
	for _, atom := range candidateAtoms(ref) {
		store.Add(atom)
	}
	if _, err := mengine.EvalProgramWithStats(g.program, store); err != nil {
		return false, "", faults.Errorf(faults.KindInvariant, "policy.eval", "rule evaluation failed: %v", err)
	}

	var reasons []string
	err := store.GetFacts(ast.NewQuery(symDeny), func(atom ast.Atom) error {
		if c, ok := atom.Args[0].(ast.Constant); ok && c.Type == ast.StringType {
			reasons = append(reasons, c.Symbol)
		} else {
			reasons = append(reasons, atom.Args[0].String())
		}
		return nil
	})
	if err != nil {
		return false, "", faults.Errorf(faults.KindInvariant, "policy.eval", "reading verdict: %v", err)
	}

	if len(reasons) > 0 {
		sort.Strings(reasons)
		reason := strings.Join(reasons, "; ")
		logging.Policy("Denied %s from %s: %s", ref.Name, ref.Source, reason)
		logging.Audit().PolicyCheck(ref.Source, false, reason)
		return false, reason, nil
	}

	logging.Audit().PolicyCheck(ref.Source, true, "")
	return true, "", nil
}

// candidateAtoms projects a file reference onto the fact schema. Names,
// extensions and media types are lowercased so rules match case-blind.
func candidateAtoms(ref ingest.FileRef) []ast.Atom {
	name := strings.ToLower(strings.TrimSpace(ref.Name))
	return []ast.Atom{
		{Predicate: symFileName, Args: []ast.BaseTerm{ast.String(name)}},
		{Predicate: symFileExt, Args: []ast.BaseTerm{ast.String(path.Ext(name))}},
		{Predicate: symMediaType, Args: []ast.BaseTerm{ast.String(normalizeMediaType(ref.MediaType))}},
		{Predicate: symSource, Args: []ast.BaseTerm{ast.String(ref.Source)}},
		{Predicate: symSizeBytes, Args: []ast.BaseTerm{ast.Number(ref.SizeBytes)}},
	}
}

func normalizeMediaType(mediaType string) string {
	base, _, _ := strings.Cut(mediaType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}
