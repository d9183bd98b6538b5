// Package transform is the ETL worker. The consensus engine votes on a
// TransformationPlan for the requested dataset, then a deterministic
// executor applies the plan's steps to the file and writes the result
// beside it. Only the plan comes from the model; every row operation is
// local and repeatable.
package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"dossier/internal/faults"
	"dossier/internal/logging"
	"dossier/internal/maker"
	"dossier/internal/tabular"
)

const (
	transformSystem = "You are a precise data transformer. Return ONLY valid JSON matching TransformationPlan. No explanations."

	// Plans run longer than verdicts or manifests.
	samplerMaxTokens = 1600
)

// Request names the dataset to transform and the caller's intent. Spec is
// free-form; it is shown to the planner verbatim.
type Request struct {
	DataPath string                 `json:"data_path"`
	Spec     map[string]interface{} `json:"spec"`
}

// Response reports the executed plan. Status is "success" or "failed";
// execution failures ride back in Error rather than an HTTP error so the
// caller still sees the plan that was attempted.
type Response struct {
	Status     string                 `json:"status"`
	OutputPath string                 `json:"output_path,omitempty"`
	Rows       int                    `json:"rows,omitempty"`
	Columns    []string               `json:"columns,omitempty"`
	Plan       map[string]interface{} `json:"plan"`
	Error      string                 `json:"error,omitempty"`
}

// Worker plans transformations by consensus and executes them locally.
type Worker struct {
	engine *maker.Engine
	exprs  *exprEngine
}

// New builds a transformer around the shared consensus engine.
func New(engine *maker.Engine) *Worker {
	return &Worker{engine: engine, exprs: newExprEngine()}
}

// Transform votes on a plan for the request and executes it. The data
// file is always the one the request names; the plan's provenance is
// recorded but never trusted for file access.
func (w *Worker) Transform(ctx context.Context, req Request) (*Response, error) {
	if req.DataPath == "" {
		return nil, faults.New(faults.KindPermanentIO, "transform", "data_path is required")
	}
	logging.Worker("transforming %s", req.DataPath)

	res, err := w.engine.FirstToAheadByK(ctx, transformTask(req), parsePlan, maker.Params{})
	if err != nil {
		return nil, err
	}
	logging.Worker("transformation plan converged in %d rounds (%d steps)", res.Rounds, len(planSteps(res.Value)))
	return w.execute(req.DataPath, res.Value), nil
}

func transformTask(req Request) maker.Task {
	spec, err := json.Marshal(req.Spec)
	if err != nil {
		spec = []byte("{}")
	}
	return maker.Task{
		System:      transformSystem,
		Prompt:      fmt.Sprintf("Transform data at %s using spec: %s", req.DataPath, spec),
		Temperature: 0.0,
		MaxTokens:   samplerMaxTokens,
	}
}

// parsePlan is the voting parser: a plan missing any of its three parts
// is red-flagged.
func parsePlan(raw string) (map[string]interface{}, error) {
	value, err := maker.DefaultParse(raw)
	if err != nil {
		return nil, err
	}
	steps, ok := value["steps"].([]interface{})
	if !ok {
		return nil, errors.New("missing steps")
	}
	for i, s := range steps {
		if _, ok := s.(map[string]interface{}); !ok {
			return nil, fmt.Errorf("step %d is not an object", i)
		}
	}
	if _, ok := value["output_schema"].(map[string]interface{}); !ok {
		return nil, errors.New("missing output_schema")
	}
	if _, ok := value["provenance"].(map[string]interface{}); !ok {
		return nil, errors.New("missing provenance")
	}
	return value, nil
}

func planSteps(value map[string]interface{}) []map[string]interface{} {
	raw, _ := value["steps"].([]interface{})
	steps := make([]map[string]interface{}, 0, len(raw))
	for _, s := range raw {
		if step, ok := s.(map[string]interface{}); ok {
			steps = append(steps, step)
		}
	}
	return steps
}

// execute loads the dataset, applies each step in order and writes the
// result. Step failures fail the plan; the response carries the error
// instead of surfacing it as a transport fault.
func (w *Worker) execute(dataPath string, planValue map[string]interface{}) *Response {
	table, err := tabular.ReadFile(dataPath)
	if err != nil {
		return failedResponse(planValue, err)
	}
	logging.Worker("loaded %d rows from %s", len(table.Rows), dataPath)

	for i, step := range planSteps(planValue) {
		stepType, _ := step["type"].(string)
		logging.WorkerDebug("step %d: %s", i+1, stepType)
		table, err = w.applyStep(table, stepType, step)
		if err != nil {
			return failedResponse(planValue, fmt.Errorf("step %d (%s): %w", i+1, stepType, err))
		}
	}

	outputPath := transformedPath(dataPath)
	if err := table.WriteFile(outputPath); err != nil {
		return failedResponse(planValue, err)
	}
	logging.Worker("transformation complete: %d rows -> %s", len(table.Rows), outputPath)
	return &Response{
		Status:     "success",
		OutputPath: outputPath,
		Rows:       len(table.Rows),
		Columns:    table.Columns,
		Plan:       planValue,
	}
}

func failedResponse(planValue map[string]interface{}, err error) *Response {
	logging.WorkerError("transformation failed: %v", err)
	return &Response{Status: "failed", Error: err.Error(), Plan: planValue}
}

// transformedPath appends _transformed before the extension, keeping the
// input format for the output.
func transformedPath(dataPath string) string {
	ext := filepath.Ext(dataPath)
	return strings.TrimSuffix(dataPath, ext) + "_transformed" + ext
}
