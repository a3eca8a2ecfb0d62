// Package batch implements bounded-concurrency bulk ingestion with
// partial-failure aggregation. It is the only bulk path, used for BMS
// batch replay and administrative bulk correction.
package batch

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"occusense/occupancy/internal/model"
	"occusense/occupancy/internal/occuerr"
)

// Validator is the ingestion pipeline seam.
type Validator interface {
	Validate(raw model.RawReading, source model.DataSource) (model.OccupancyReading, error)
}

// Sink persists one validated reading.
type Sink interface {
	Persist(ctx context.Context, r model.OccupancyReading) error
}

// Options tunes one batch run.
type Options struct {
	MaxConcurrent   int  // in-flight validations/writes per chunk; default 10
	ContinueOnError bool // false: stop after the first chunk containing any failure
	ValidateAll     bool // pre-validate everything; any failure rejects the batch with nothing persisted
	Source          model.DataSource
}

// ItemError records one failed input by position.
type ItemError struct {
	Index   int    `json:"index"`
	SpaceID string `json:"spaceId,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result aggregates a batch run.
type Result struct {
	SuccessCount int         `json:"successCount"`
	FailureCount int         `json:"failureCount"`
	Errors       []ItemError `json:"errors"`
	Stopped      bool        `json:"stopped"` // true when the run ended before attempting every item
}

// Coordinator runs chunked batch ingestion.
type Coordinator struct {
	validator Validator
	sink      Sink
	log       *slog.Logger
}

// New builds a coordinator.
func New(v Validator, sink Sink, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		validator: v,
		sink:      sink,
		log:       log.With(slog.String("component", "batch")),
	}
}

// Run processes the readings in chunks of at most MaxConcurrent in-flight
// items. Failures are collected per item; with ContinueOnError=false,
// processing stops after the first chunk that contains any failure and
// partial results are returned. No failure is ever raised as a panic or
// bare error from Run itself.
func (c *Coordinator) Run(ctx context.Context, raws []model.RawReading, opts Options) Result {
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	source := opts.Source
	if source == "" {
		source = model.SourceSystem
	}

	if opts.ValidateAll {
		if errs := c.prevalidate(raws, source); len(errs) > 0 {
			result := Result{FailureCount: len(errs), Errors: errs, Stopped: true}
			c.log.Info("batch_rejected_prevalidation",
				slog.Int("items", len(raws)), slog.Int("invalid", len(errs)))
			return result
		}
	}

	var result Result
	for offset := 0; offset < len(raws); offset += maxConcurrent {
		end := offset + maxConcurrent
		if end > len(raws) {
			end = len(raws)
		}
		chunkErrs := c.runChunk(ctx, raws[offset:end], offset, source, &result)

		if len(chunkErrs) > 0 {
			result.Errors = append(result.Errors, chunkErrs...)
			if !opts.ContinueOnError {
				result.Stopped = end < len(raws)
				break
			}
		}
	}

	sort.Slice(result.Errors, func(i, j int) bool {
		return result.Errors[i].Index < result.Errors[j].Index
	})
	c.log.Info("batch_complete",
		slog.Int("success", result.SuccessCount),
		slog.Int("failed", result.FailureCount),
		slog.Bool("stopped", result.Stopped))
	return result
}

// prevalidate checks every reading up front without persisting anything.
func (c *Coordinator) prevalidate(raws []model.RawReading, source model.DataSource) []ItemError {
	var errs []ItemError
	for i, raw := range raws {
		if _, err := c.validator.Validate(raw, source); err != nil {
			spaceID, _ := model.ToString(raw.SpaceID)
			errs = append(errs, ItemError{
				Index:   i,
				SpaceID: spaceID,
				Code:    string(occuerr.CodeOf(err)),
				Message: occuerr.MessageOf(err),
			})
		}
	}
	return errs
}

func (c *Coordinator) runChunk(ctx context.Context, chunk []model.RawReading, offset int, source model.DataSource, result *Result) []ItemError {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []ItemError
	)
	for i, raw := range chunk {
		wg.Add(1)
		go func(index int, raw model.RawReading) {
			defer wg.Done()
			itemErr := c.processOne(ctx, raw, source)
			mu.Lock()
			defer mu.Unlock()
			if itemErr != nil {
				itemErr.Index = index
				errs = append(errs, *itemErr)
				result.FailureCount++
				return
			}
			result.SuccessCount++
		}(offset+i, raw)
	}
	wg.Wait()
	return errs
}

func (c *Coordinator) processOne(ctx context.Context, raw model.RawReading, source model.DataSource) *ItemError {
	reading, err := c.validator.Validate(raw, source)
	if err != nil {
		spaceID, _ := model.ToString(raw.SpaceID)
		return &ItemError{
			SpaceID: spaceID,
			Code:    string(occuerr.CodeOf(err)),
			Message: occuerr.MessageOf(err),
		}
	}
	if err := c.sink.Persist(ctx, reading); err != nil {
		return &ItemError{
			SpaceID: reading.SpaceID,
			Code:    string(occuerr.CodeOf(err)),
			Message: occuerr.MessageOf(err),
		}
	}
	return nil
}
