package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func recordingStage(name string, calls *[]string, err error) Stage {
	return Stage{Name: name, Run: func(context.Context) error {
		*calls = append(*calls, name)
		return err
	}}
}

func TestRunnerRunsInOrder(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	var calls []string
	r := NewRunner(zap.New(core),
		recordingStage(StageParse, &calls, nil),
		recordingStage(StageDownload, &calls, nil),
	)
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, []string{StageParse, StageDownload}, calls)
	assert.Equal(t, 2, logs.FilterMessage("stage finished").Len())
	assert.Equal(t, 1, logs.FilterMessage("pipeline finished").Len())
}

func TestRunnerStopsOnFirstError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	var calls []string
	r := NewRunner(nil,
		recordingStage(StageParse, &calls, nil),
		recordingStage(StageDownload, &calls, boom),
		recordingStage(StageResults, &calls, nil),
	)
	err := r.Run(context.Background())
	require.ErrorIs(t, err, boom)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageDownload, stageErr.Stage)
	assert.Equal(t, []string{StageParse, StageDownload}, calls)
}

func TestRunnerHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var calls []string
	r := NewRunner(nil,
		Stage{Name: StageParse, Run: func(context.Context) error {
			calls = append(calls, StageParse)
			cancel()
			return nil
		}},
		recordingStage(StageDownload, &calls, nil),
	)
	err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{StageParse}, calls)
}

func TestRunnerEmitsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var calls []string
	require.NoError(t, NewRunner(nil, recordingStage(StageLoad, &calls, nil)).Run(context.Background()))

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"stage.load", "pipeline.run"}, names)
}

func TestSelect(t *testing.T) {
	t.Parallel()

	noop := func(context.Context) error { return nil }
	available := map[string]func(context.Context) error{
		StageParse: noop, StageDownload: noop, StageResults: noop, StageLoad: noop,
	}

	stages, err := Select("", available)
	require.NoError(t, err)
	assert.Len(t, stages, 4)

	stages, err = Select("load, Parse", available)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, StageParse, stages[0].Name)
	assert.Equal(t, StageLoad, stages[1].Name)

	_, err = Select("parse,publish", available)
	require.Error(t, err)

	_, err = Select("load", map[string]func(context.Context) error{})
	require.Error(t, err)
}
