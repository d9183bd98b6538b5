package verify

import (
	"context"
	"fmt"
	"sync"

	"dossier/internal/faults"
	"dossier/internal/logging"
	"dossier/internal/maker"
)

// panelAttempts bounds retries per panelist before its seat is forfeited.
const panelAttempts = 3

// panelVerdicts fixes the tiebreak order when two verdicts draw on both
// votes and summed confidence.
var panelVerdicts = []string{VerdictSupported, VerdictContradicted, VerdictMixed, VerdictInsufficient}

// panelVerify runs w.panel independent verifiers over the same claim
// batch and reduces their reports claim by claim: majority verdict wins,
// ties break on summed confidence. Panelists whose result count does not
// match the claim count are dropped rather than misaligned.
func (w *Worker) panelVerify(ctx context.Context, claims []map[string]interface{}) (*Report, error) {
	task := verifyTask(claims)
	reports := make([]*Report, w.panel)

	var wg sync.WaitGroup
	for i := 0; i < w.panel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := w.runPanelist(ctx, task, len(claims))
			if err != nil {
				logging.WorkerError("verifier panelist %d produced no usable report: %v", i, err)
				return
			}
			reports[i] = rep
		}()
	}
	wg.Wait()

	usable := reports[:0]
	for _, rep := range reports {
		if rep != nil {
			usable = append(usable, rep)
		}
	}
	if len(usable) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, faults.Wrap(faults.KindCancelled, "verify.panel", err)
		}
		return nil, faults.New(faults.KindNoConvergence, "verify.panel", "no panelist produced a usable report")
	}
	logging.Worker("panel reduced %d/%d reports over %d claims", len(usable), w.panel, len(claims))
	return reducePanel(claims, usable), nil
}

// runPanelist samples and parses one verifier with a small retry budget.
// The same red-flag rules as the voting loop apply, minus the voting.
func (w *Worker) runPanelist(ctx context.Context, task maker.Task, want int) (*Report, error) {
	var lastErr error
	for attempt := 0; attempt < panelAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, faults.Wrap(faults.KindCancelled, "verify.panel", err)
		}
		raw, err := w.sampler.Sample(ctx, task)
		if err != nil {
			lastErr = err
			continue
		}
		if len(raw) > maxRawLength {
			lastErr = fmt.Errorf("oversized sample (%d chars)", len(raw))
			continue
		}
		value, err := parseReport(raw)
		if err != nil {
			lastErr = err
			continue
		}
		rep, err := decodeReport(value)
		if err != nil {
			lastErr = err
			continue
		}
		if len(rep.Results) != want {
			lastErr = fmt.Errorf("expected %d results, got %d", want, len(rep.Results))
			continue
		}
		return rep, nil
	}
	return nil, lastErr
}

// reducePanel folds per-claim votes into one result. The winning bloc's
// mean confidence is reported; evidence and rationale come from the most
// confident member of that bloc. The claim's own id, when the request
// carries one, overrides whatever the panelists echoed.
func reducePanel(claims []map[string]interface{}, reports []*Report) *Report {
	out := &Report{Results: make([]Result, 0, len(claims))}
	for i := range claims {
		counts := make(map[string]int)
		confSums := make(map[string]float64)
		for _, rep := range reports {
			r := rep.Results[i]
			counts[r.Verdict]++
			confSums[r.Verdict] += r.Confidence
		}
		winner := ""
		for _, v := range panelVerdicts {
			if counts[v] == 0 {
				continue
			}
			if winner == "" || counts[v] > counts[winner] ||
				(counts[v] == counts[winner] && confSums[v] > confSums[winner]) {
				winner = v
			}
		}

		var best Result
		var sum float64
		members := 0
		for _, rep := range reports {
			r := rep.Results[i]
			if r.Verdict != winner {
				continue
			}
			sum += r.Confidence
			members++
			if members == 1 || r.Confidence > best.Confidence {
				best = r
			}
		}
		best.Confidence = sum / float64(members)
		if id := requestClaimID(claims[i]); id != "" {
			best.ClaimID = id
		}
		out.Results = append(out.Results, best)
	}
	return out
}

func requestClaimID(claim map[string]interface{}) string {
	if id, ok := claim["id"].(string); ok {
		return id
	}
	if id, ok := claim["claim_id"].(string); ok {
		return id
	}
	return ""
}
