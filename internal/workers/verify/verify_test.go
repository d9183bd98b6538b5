package verify

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"dossier/internal/config"
	"dossier/internal/faults"
	"dossier/internal/logging"
	"dossier/internal/maker"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "verify_test")
	if err == nil {
		logging.Initialize(dir)
	}
	code := m.Run()
	logging.CloseAll()
	if dir != "" {
		os.RemoveAll(dir)
	}
	os.Exit(code)
}

const goodReport = `{"results":[` +
	`{"claim_id":"c1","verdict":"SUPPORTED","confidence":0.9,"evidence":[{"url":"https://example.org/a","snippet":"quote","title":"Source A"}],"rationale":"well documented"},` +
	`{"claim_id":"c2","verdict":"INSUFFICIENT","confidence":0.4,"evidence":[],"rationale":"no coverage"}]}`

var testClaims = []map[string]interface{}{
	{"id": "c1", "text": "the sky is blue"},
	{"id": "c2", "text": "fish fly"},
}

func constantSampler(output string) maker.Sampler {
	return maker.SamplerFunc(func(ctx context.Context, task maker.Task) (string, error) {
		return output, nil
	})
}

func scriptedSampler(outputs ...string) maker.Sampler {
	var calls int32
	return maker.SamplerFunc(func(ctx context.Context, task maker.Task) (string, error) {
		n := atomic.AddInt32(&calls, 1) - 1
		return outputs[int(n)%len(outputs)], nil
	})
}

func TestConsensusVerify(t *testing.T) {
	engine := maker.New(constantSampler(goodReport), maker.Params{}, 0)
	w := New(engine, constantSampler(goodReport), &config.Config{})

	rep, err := w.Verify(context.Background(), Request{Claims: testClaims})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(rep.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(rep.Results))
	}
	first := rep.Results[0]
	if first.ClaimID != "c1" || first.Verdict != VerdictSupported || first.Confidence != 0.9 {
		t.Errorf("first result = %+v", first)
	}
	if len(first.Evidence) != 1 || first.Evidence[0].URL != "https://example.org/a" {
		t.Errorf("evidence = %+v", first.Evidence)
	}
	if rep.Results[1].Verdict != VerdictInsufficient {
		t.Errorf("second verdict = %q", rep.Results[1].Verdict)
	}
}

func TestConsensusRedFlagsBadVerdicts(t *testing.T) {
	bad := `{"results":[{"claim_id":"c1","verdict":"MAYBE","confidence":0.9,"evidence":[],"rationale":"?"},{"claim_id":"c2","verdict":"MIXED","confidence":0.5,"evidence":[],"rationale":"?"}]}`
	engine := maker.New(scriptedSampler(bad, goodReport, goodReport, goodReport), maker.Params{}, 0)
	w := New(engine, nil, &config.Config{})

	rep, err := w.Verify(context.Background(), Request{Claims: testClaims})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if rep.Results[0].Verdict != VerdictSupported {
		t.Errorf("verdict = %q, want the flagged sample discarded", rep.Results[0].Verdict)
	}
}

func TestVerifyEmptyClaims(t *testing.T) {
	sampler := maker.SamplerFunc(func(ctx context.Context, task maker.Task) (string, error) {
		return "", errors.New("sampler must not run for an empty batch")
	})
	w := New(maker.New(sampler, maker.Params{}, 0), sampler, &config.Config{})

	rep, err := w.Verify(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(rep.Results) != 0 {
		t.Fatalf("results = %d, want 0", len(rep.Results))
	}
}

func TestVerifyTaskPrompt(t *testing.T) {
	task := verifyTask(testClaims)
	if !strings.HasPrefix(task.Prompt, "Verify the following claims and return results in JSON format:\n") {
		t.Errorf("prompt header missing: %q", task.Prompt)
	}
	if !strings.Contains(task.Prompt, "- the sky is blue") || !strings.Contains(task.Prompt, "- fish fly") {
		t.Errorf("prompt missing claim lines: %q", task.Prompt)
	}
	if task.Temperature != 0.1 || task.MaxTokens != samplerMaxTokens || task.System != verifySystem {
		t.Errorf("task settings = %+v", task)
	}

	// Claims without a text key fall back to their whole object.
	task = verifyTask([]map[string]interface{}{{"note": "raw"}})
	if !strings.Contains(task.Prompt, "- map[note:raw]") {
		t.Errorf("fallback prompt = %q", task.Prompt)
	}
}

func TestParseReportRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing results", `{"verdicts":[]}`},
		{"results not a list", `{"results":{"claim_id":"c1"}}`},
		{"unknown verdict", `{"results":[{"claim_id":"c1","verdict":"PLAUSIBLE","confidence":0.5,"evidence":[],"rationale":"r"}]}`},
		{"confidence out of range", `{"results":[{"claim_id":"c1","verdict":"MIXED","confidence":1.5,"evidence":[],"rationale":"r"}]}`},
		{"evidence entry not an object", `{"results":[{"claim_id":"c1","verdict":"MIXED","confidence":0.5,"evidence":["https://a"],"rationale":"r"}]}`},
		{"missing rationale", `{"results":[{"claim_id":"c1","verdict":"MIXED","confidence":0.5,"evidence":[]}]}`},
	}
	for _, tc := range cases {
		if _, err := parseReport(tc.raw); err == nil {
			t.Errorf("%s: expected red flag", tc.name)
		}
	}
	if _, err := parseReport(goodReport); err != nil {
		t.Errorf("valid report rejected: %v", err)
	}
}

func TestPanelVerifyReduces(t *testing.T) {
	cfg := &config.Config{}
	cfg.Verify.PanelSize = 3
	w := New(nil, constantSampler(goodReport), cfg)

	rep, err := w.Verify(context.Background(), Request{Claims: testClaims})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(rep.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(rep.Results))
	}
	if rep.Results[0].Verdict != VerdictSupported || rep.Results[0].Confidence != 0.9 {
		t.Errorf("reduced result = %+v", rep.Results[0])
	}
	if rep.Results[0].ClaimID != "c1" {
		t.Errorf("claim id = %q, want request id", rep.Results[0].ClaimID)
	}
}

func TestPanelVerifyNoUsableReports(t *testing.T) {
	cfg := &config.Config{}
	cfg.Verify.PanelSize = 2
	w := New(nil, constantSampler("not json at all"), cfg)

	_, err := w.Verify(context.Background(), Request{Claims: testClaims})
	if err == nil {
		t.Fatal("expected panel failure")
	}
	if faults.KindOf(err) != faults.KindNoConvergence {
		t.Fatalf("kind = %v, want no_convergence", faults.KindOf(err))
	}
}

func TestRunPanelistRetries(t *testing.T) {
	oversized := strings.Repeat("x", maxRawLength+1)
	w := &Worker{sampler: scriptedSampler("garbage", oversized, goodReport)}

	rep, err := w.runPanelist(context.Background(), verifyTask(testClaims), 2)
	if err != nil {
		t.Fatalf("runPanelist: %v", err)
	}
	if len(rep.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(rep.Results))
	}

	// A structurally valid report with the wrong cardinality is retried,
	// then given up on.
	w = &Worker{sampler: constantSampler(goodReport)}
	if _, err := w.runPanelist(context.Background(), verifyTask(testClaims), 3); err == nil {
		t.Fatal("expected cardinality mismatch to exhaust retries")
	}
}

func TestReducePanel(t *testing.T) {
	claims := []map[string]interface{}{{"id": "c9"}}
	mk := func(verdict string, conf float64, rationale string) *Report {
		return &Report{Results: []Result{{
			ClaimID:    "model-pick",
			Verdict:    verdict,
			Confidence: conf,
			Rationale:  rationale,
		}}}
	}

	// Majority wins; the bloc's mean confidence is reported and the most
	// confident member carries the rationale.
	rep := reducePanel(claims, []*Report{
		mk(VerdictSupported, 0.8, "strong"),
		mk(VerdictContradicted, 0.95, "counter"),
		mk(VerdictSupported, 0.6, "weak"),
	})
	got := rep.Results[0]
	if got.Verdict != VerdictSupported {
		t.Fatalf("verdict = %q, want majority", got.Verdict)
	}
	if got.Confidence != 0.7 {
		t.Errorf("confidence = %v, want bloc mean 0.7", got.Confidence)
	}
	if got.Rationale != "strong" || got.ClaimID != "c9" {
		t.Errorf("winner fields = %+v", got)
	}

	// A vote tie breaks on summed confidence.
	rep = reducePanel(claims, []*Report{
		mk(VerdictSupported, 0.5, "a"),
		mk(VerdictContradicted, 0.9, "b"),
	})
	if rep.Results[0].Verdict != VerdictContradicted {
		t.Errorf("tiebreak verdict = %q, want CONTRADICTED", rep.Results[0].Verdict)
	}

	// A full tie resolves to the earliest verdict in canonical order.
	rep = reducePanel(claims, []*Report{
		mk(VerdictContradicted, 0.5, "a"),
		mk(VerdictSupported, 0.5, "b"),
	})
	if rep.Results[0].Verdict != VerdictSupported {
		t.Errorf("full-tie verdict = %q, want SUPPORTED", rep.Results[0].Verdict)
	}
}
