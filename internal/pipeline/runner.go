// Package pipeline runs the ETL stages in order.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/spimex-pipeline/internal/metrics"
)

// Stage names in execution order.
const (
	StageParse    = "parse"
	StageDownload = "download"
	StageResults  = "results"
	StageLoad     = "load"
)

// Order is the canonical stage sequence.
var Order = []string{StageParse, StageDownload, StageResults, StageLoad}

// Stage is one named step of a run.
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// StageError identifies the stage that stopped a run.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Runner executes stages sequentially and stops at the first failure.
type Runner struct {
	stages []Stage
	logger *zap.Logger
}

// NewRunner builds a Runner over stages.
func NewRunner(logger *zap.Logger, stages ...Stage) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{stages: stages, logger: logger}
}

// Run executes each stage, logging elapsed time. Cancellation between stages stops the run.
func (r *Runner) Run(ctx context.Context) error {
	ctx, span := otel.Tracer("spimex/pipeline").Start(ctx, "pipeline.run")
	defer span.End()

	started := time.Now()
	for _, stage := range r.stages {
		if err := ctx.Err(); err != nil {
			return &StageError{Stage: stage.Name, Err: err}
		}
		if err := r.runStage(ctx, stage); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	r.logger.Info("pipeline finished",
		zap.Int("stages", len(r.stages)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}

func (r *Runner) runStage(ctx context.Context, stage Stage) error {
	ctx, span := otel.Tracer("spimex/pipeline").Start(ctx, "stage."+stage.Name)
	defer span.End()
	span.SetAttributes(attribute.String("stage", stage.Name))

	r.logger.Info("stage started", zap.String("stage", stage.Name))
	start := time.Now()
	err := stage.Run(ctx)
	elapsed := time.Since(start)
	metrics.ObserveStage(stage.Name, elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("stage failed",
			zap.String("stage", stage.Name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return &StageError{Stage: stage.Name, Err: err}
	}
	r.logger.Info("stage finished", zap.String("stage", stage.Name), zap.Duration("elapsed", elapsed))
	return nil
}

// Select returns the stages named in the comma-separated list, in canonical order.
// An empty list selects every stage.
func Select(list string, available map[string]func(ctx context.Context) error) ([]Stage, error) {
	wanted := make(map[string]bool)
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		if _, ok := available[name]; !ok {
			return nil, fmt.Errorf("unknown stage %q", name)
		}
		wanted[name] = true
	}
	var stages []Stage
	for _, name := range Order {
		run, ok := available[name]
		if !ok || (len(wanted) > 0 && !wanted[name]) {
			continue
		}
		stages = append(stages, Stage{Name: name, Run: run})
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("no stages selected")
	}
	return stages, nil
}
