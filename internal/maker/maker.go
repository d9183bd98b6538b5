// Package maker turns a non-deterministic sampler into a reliable producer
// of validated structured results. It repeatedly samples, discards
// pathological outputs (oversized or unparseable), and tallies canonical
// serializations until one answer leads every other answer by k votes.
//
// Against a sampler whose single-sample accuracy is above one half, correct
// samples accrue on one canonical bucket while errors diffuse across many,
// so the k-gap criterion is reached quickly; red-flagging removes the
// heavy-tailed outputs that would otherwise cluster on a common wrong form.
package maker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"dossier/internal/faults"
	"dossier/internal/logging"
	"dossier/internal/monitor"
)

// Task carries one consensus request to the sampler.
type Task struct {
	System      string
	Prompt      string
	ModelHint   string
	Temperature float64
	MaxTokens   int
}

// Sampler produces one raw model output for a task.
type Sampler interface {
	Sample(ctx context.Context, task Task) (string, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context, task Task) (string, error)

// Sample implements Sampler.
func (f SamplerFunc) Sample(ctx context.Context, task Task) (string, error) {
	return f(ctx, task)
}

// ParseFunc turns raw sampler text into a validated value. Any error is a
// red flag: the sample is discarded and the loop continues.
type ParseFunc func(raw string) (map[string]interface{}, error)

// DefaultParse extracts the last complete top-level JSON object and decodes
// it. Workers layer schema checks on top of this.
func DefaultParse(raw string) (map[string]interface{}, error) {
	obj, ok := ExtractLastJSONObject(raw)
	if !ok {
		return nil, errors.New("no complete JSON object in output")
	}
	return ParseObject(obj)
}

// Params tunes one voting call. Zero fields fall back to engine defaults;
// a zero MaxRawLength is derived from the model hint.
type Params struct {
	K            int
	MaxRounds    int
	MaxRawLength int
}

const (
	// DefaultK is the required lead.
	DefaultK = 3
	// DefaultMaxRounds bounds sampler calls per invocation.
	DefaultMaxRounds = 40
	// DefaultMaxConcurrent bounds simultaneous invocations per engine.
	DefaultMaxConcurrent = 10
)

// DeriveMaxRawLength picks the oversize cutoff from the model hint. Premium
// long-context models earn the higher ceiling.
func DeriveMaxRawLength(modelHint string) int {
	hint := strings.ToLower(modelHint)
	for _, marker := range []string{"o1", "claude-3", "grok", "sonnet", "opus", "haiku"} {
		if strings.Contains(hint, marker) {
			return 1200
		}
	}
	return 750
}

// Result carries the winning value and voting telemetry.
type Result struct {
	Value     map[string]interface{}
	Canonical string
	Rounds    int
	RedFlags  int
	Votes     int
}

// Engine runs first-to-ahead-by-k voting over a sampler. One engine is
// shared process-wide; a weighted semaphore bounds concurrent invocations.
type Engine struct {
	sampler  Sampler
	defaults Params
	sem      *semaphore.Weighted
}

// New builds an engine. Zero default fields take the package defaults;
// maxConcurrent of 0 takes DefaultMaxConcurrent.
func New(sampler Sampler, defaults Params, maxConcurrent int) *Engine {
	if defaults.K <= 0 {
		defaults.K = DefaultK
	}
	if defaults.MaxRounds <= 0 {
		defaults.MaxRounds = DefaultMaxRounds
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Engine{
		sampler:  sampler,
		defaults: defaults,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// FirstToAheadByK samples until one canonical answer leads all others by k,
// red-flagging oversized and unparseable outputs along the way. Returns a
// no_convergence fault when maxRounds is exhausted and a cancelled fault
// when the context ends between rounds. Sampler errors propagate as-is.
func (e *Engine) FirstToAheadByK(ctx context.Context, task Task, parse ParseFunc, p Params) (*Result, error) {
	const op = "maker.first_to_ahead_by_k"

	if parse == nil {
		parse = DefaultParse
	}
	k := p.K
	if k <= 0 {
		k = e.defaults.K
	}
	maxRounds := p.MaxRounds
	if maxRounds <= 0 {
		maxRounds = e.defaults.MaxRounds
	}
	maxRawLength := p.MaxRawLength
	if maxRawLength <= 0 {
		maxRawLength = e.defaults.MaxRawLength
	}
	if maxRawLength <= 0 {
		maxRawLength = DeriveMaxRawLength(task.ModelHint)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, faults.Wrap(faults.KindCancelled, op, err)
	}
	defer e.sem.Release(1)

	timer := logging.StartTimer(logging.CategoryMaker, "consensus")
	defer timer.Stop()
	start := time.Now()

	// One vote table per invocation; rounds are strictly sequential.
	votes := make(map[string]int)
	values := make(map[string]map[string]interface{})
	redFlags := 0

	for round := 1; round <= maxRounds; round++ {
		select {
		case <-ctx.Done():
			logging.MakerWarn("cancelled in round %d (%d red flags so far)", round, redFlags)
			return nil, faults.Wrap(faults.KindCancelled, op, ctx.Err())
		default:
		}

		raw, err := e.sampler.Sample(ctx, task)
		if err != nil {
			return nil, fmt.Errorf("sampler round %d: %w", round, err)
		}

		if len(raw) > maxRawLength {
			redFlags++
			logging.MakerDebug("round %d: oversized output (%d > %d bytes), discarded", round, len(raw), maxRawLength)
			logging.Audit().MakerRedFlag(task.ModelHint, "oversized", round)
			continue
		}

		value, err := parse(raw)
		if err != nil {
			redFlags++
			logging.MakerDebug("round %d: discarded output: %v", round, err)
			logging.Audit().MakerRedFlag(task.ModelHint, "unparseable", round)
			continue
		}

		canonical, err := CanonicalizeValue(value)
		if err != nil {
			redFlags++
			logging.MakerDebug("round %d: canonicalization failed: %v", round, err)
			logging.Audit().MakerRedFlag(task.ModelHint, "uncanonical", round)
			continue
		}

		votes[canonical]++
		if _, seen := values[canonical]; !seen {
			values[canonical] = value
		}

		c := votes[canonical]
		m := 0
		for other, n := range votes {
			if other != canonical && n > m {
				m = n
			}
		}
		logging.MakerDebug("round %d: lead %d vs %d across %d forms", round, c, m, len(votes))
		logging.Audit().MakerRound(task.ModelHint, round, c, m)

		if c >= m+k {
			logging.Maker("converged in %d rounds: %d votes, %d red flags", round, c, redFlags)
			logging.Audit().MakerConverged(task.ModelHint, round, round-redFlags, time.Since(start).Milliseconds())
			monitor.MakerRounds(round)
			return &Result{
				Value:     values[canonical],
				Canonical: canonical,
				Rounds:    round,
				RedFlags:  redFlags,
				Votes:     c,
			}, nil
		}
	}

	logging.MakerWarn("no convergence after %d rounds: %d distinct forms, %d red flags", maxRounds, len(votes), redFlags)
	logging.Audit().MakerNoConvergence(task.ModelHint, maxRounds)
	return nil, faults.Errorf(faults.KindNoConvergence, op,
		"no convergence after %d rounds (%d distinct answers, %d red flags)", maxRounds, len(votes), redFlags)
}
