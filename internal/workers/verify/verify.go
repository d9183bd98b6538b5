// Package verify is the fact-checking worker. A batch of claims goes to
// the model as one task; the consensus engine votes until a structurally
// valid VerificationReport wins. Panel mode trades the sequential vote
// for independent parallel verifiers reduced by majority verdict.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"dossier/internal/config"
	"dossier/internal/faults"
	"dossier/internal/logging"
	"dossier/internal/maker"
)

// Verdicts a verifier may return for a claim.
const (
	VerdictSupported    = "SUPPORTED"
	VerdictContradicted = "CONTRADICTED"
	VerdictMixed        = "MIXED"
	VerdictInsufficient = "INSUFFICIENT"
)

const (
	verifySystem = "You are a rigorous fact-checker. Return only valid JSON."

	// Sampler budget and the red-flag cutoff for one verdict batch.
	samplerMaxTokens = 1200
	maxRawLength     = 800
)

// Request carries the claims to check. Policy is forwarded by the
// orchestrator for auditability but does not alter verification.
type Request struct {
	Claims []map[string]interface{} `json:"claims"`
	Policy map[string]interface{}   `json:"policy,omitempty"`
}

// Evidence cites one source backing a verdict.
type Evidence struct {
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Title   string `json:"title"`
}

// Result is the verdict for a single claim.
type Result struct {
	ClaimID    string     `json:"claim_id"`
	Verdict    string     `json:"verdict"`
	Confidence float64    `json:"confidence"`
	Evidence   []Evidence `json:"evidence"`
	Rationale  string     `json:"rationale"`
}

// Report is the verifier's full output.
type Report struct {
	Results []Result `json:"results"`
}

// Worker checks claims against the model's knowledge and returns
// structured verdicts.
type Worker struct {
	engine  *maker.Engine
	sampler maker.Sampler
	panel   int
}

// New builds a verifier. Panel sizes above one switch Verify from the
// consensus engine to independent parallel verifiers.
func New(engine *maker.Engine, sampler maker.Sampler, cfg *config.Config) *Worker {
	panel := 1
	if cfg != nil && cfg.Verify.PanelSize > 1 {
		panel = cfg.Verify.PanelSize
	}
	return &Worker{engine: engine, sampler: sampler, panel: panel}
}

// Verify checks every claim in the request and returns one result per
// claim the model reported on.
func (w *Worker) Verify(ctx context.Context, req Request) (*Report, error) {
	if len(req.Claims) == 0 {
		return &Report{Results: []Result{}}, nil
	}
	logging.Worker("verifying %d claims (panel=%d)", len(req.Claims), w.panel)
	if w.panel > 1 {
		return w.panelVerify(ctx, req.Claims)
	}
	return w.consensusVerify(ctx, req.Claims)
}

func (w *Worker) consensusVerify(ctx context.Context, claims []map[string]interface{}) (*Report, error) {
	res, err := w.engine.FirstToAheadByK(ctx, verifyTask(claims), parseReport, maker.Params{MaxRawLength: maxRawLength})
	if err != nil {
		return nil, err
	}
	rep, err := decodeReport(res.Value)
	if err != nil {
		return nil, faults.Wrap(faults.KindInvariant, "verify.decode", err)
	}
	logging.Worker("verification converged: %d results in %d rounds", len(rep.Results), res.Rounds)
	return rep, nil
}

// verifyTask renders the claim batch as a single prompt. Claims without
// a text key fall back to their whole object.
func verifyTask(claims []map[string]interface{}) maker.Task {
	var b strings.Builder
	b.WriteString("Verify the following claims and return results in JSON format:\n")
	for i, claim := range claims {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(claimText(claim))
	}
	return maker.Task{
		System:      verifySystem,
		Prompt:      b.String(),
		Temperature: 0.1,
		MaxTokens:   samplerMaxTokens,
	}
}

func claimText(claim map[string]interface{}) string {
	if s, ok := claim["text"].(string); ok && s != "" {
		return s
	}
	return fmt.Sprintf("%v", claim)
}

// parseReport is the voting parser. Structural violations are errors so
// the sample is red-flagged and never earns a vote.
func parseReport(raw string) (map[string]interface{}, error) {
	value, err := maker.DefaultParse(raw)
	if err != nil {
		return nil, err
	}
	if err := validateReport(value); err != nil {
		return nil, err
	}
	return value, nil
}

func validateReport(value map[string]interface{}) error {
	raw, ok := value["results"]
	if !ok {
		return errors.New("missing results")
	}
	list, ok := raw.([]interface{})
	if !ok {
		return errors.New("results is not a list")
	}
	for i, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return fmt.Errorf("result %d is not an object", i)
		}
		if _, ok := entry["claim_id"].(string); !ok {
			return fmt.Errorf("result %d missing claim_id", i)
		}
		verdict, ok := entry["verdict"].(string)
		if !ok || !ValidVerdict(verdict) {
			return fmt.Errorf("result %d has verdict %v", i, entry["verdict"])
		}
		conf, ok := numberValue(entry["confidence"])
		if !ok || conf < 0 || conf > 1 {
			return fmt.Errorf("result %d has confidence %v", i, entry["confidence"])
		}
		evidence, ok := entry["evidence"].([]interface{})
		if !ok {
			return fmt.Errorf("result %d missing evidence", i)
		}
		for j, ev := range evidence {
			if _, ok := ev.(map[string]interface{}); !ok {
				return fmt.Errorf("result %d evidence %d is not an object", i, j)
			}
		}
		if _, ok := entry["rationale"].(string); !ok {
			return fmt.Errorf("result %d missing rationale", i)
		}
	}
	return nil
}

// ValidVerdict reports whether s is one of the four allowed verdicts.
func ValidVerdict(s string) bool {
	switch s {
	case VerdictSupported, VerdictContradicted, VerdictMixed, VerdictInsufficient:
		return true
	}
	return false
}

func numberValue(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case int64:
		return float64(x), true
	}
	return 0, false
}

// decodeReport turns a validated consensus value into the typed report.
func decodeReport(value map[string]interface{}) (*Report, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var rep Report
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, err
	}
	if rep.Results == nil {
		rep.Results = []Result{}
	}
	return &rep, nil
}
