package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/ongoingai/untrace/internal/configstore"
	"github.com/ongoingai/untrace/internal/delivery"
	"github.com/ongoingai/untrace/internal/destination"
	"github.com/ongoingai/untrace/internal/realtime"
	"github.com/ongoingai/untrace/internal/trace"
	"golang.org/x/sync/errgroup"
)

// Config controls retry and concurrency of a fanout.
type Config struct {
	MaxAttempts             int
	InitialBackoff          time.Duration
	BackoffMultiplier       float64
	MaxBackoff              time.Duration
	Jitter                  float64
	DeliveryTimeout         time.Duration
	MaxConcurrentDeliveries int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:             3,
		InitialBackoff:          500 * time.Millisecond,
		BackoffMultiplier:       2,
		MaxBackoff:              10 * time.Second,
		Jitter:                  0.2,
		DeliveryTimeout:         10 * time.Second,
		MaxConcurrentDeliveries: 4,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = defaults.Jitter
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if c.MaxConcurrentDeliveries <= 0 {
		c.MaxConcurrentDeliveries = defaults.MaxConcurrentDeliveries
	}
	return c
}

// Deliverer runs one delivery attempt. Errors should be
// *destination.DeliveryError; others are classified with destination.Classify.
type Deliverer interface {
	Deliver(ctx context.Context, d destination.Delivery) (destination.Response, error)
}

// TraceMarker records that every destination of a trace is terminal.
type TraceMarker interface {
	MarkFanoutComplete(ctx context.Context, orgID, traceID string, at time.Time) error
}

// Publisher receives realtime change events. Publish must not block.
type Publisher interface {
	Publish(event realtime.Event)
}

// Metrics receives dispatcher measurements.
type Metrics interface {
	RecordDelivery(kind, outcome, class string, latency time.Duration)
	RecordRetry(kind string)
	RecordAttemptWriteFailure(operation string)
}

// DestinationError describes a destination that did not succeed.
type DestinationError struct {
	DestinationID string `json:"destinationId"`
	Kind          string `json:"kind"`
	Class         string `json:"class"`
	StatusCode    int    `json:"statusCode,omitempty"`
	Attempts      int    `json:"attempts"`
	Message       string `json:"message"`
}

// Result summarizes one fanout. Success means every destination succeeded.
type Result struct {
	Success               bool               `json:"success"`
	TracesProcessed       int                `json:"tracesProcessed"`
	DestinationsProcessed int                `json:"destinationsProcessed"`
	Errors                []DestinationError `json:"errors,omitempty"`
}

type Options struct {
	Config    Config
	Publisher Publisher
	Metrics   Metrics
	Logger    *slog.Logger
}

type Dispatcher struct {
	destinations configstore.DestinationLister
	deliverer    Deliverer
	attempts     delivery.Store
	traces       TraceMarker
	publisher    Publisher
	metrics      Metrics
	logger       *slog.Logger
	cfg          Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(destinations configstore.DestinationLister, deliverer Deliverer, attempts delivery.Store, traces TraceMarker, options Options) *Dispatcher {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		destinations: destinations,
		deliverer:    deliverer,
		attempts:     attempts,
		traces:       traces,
		publisher:    options.Publisher,
		metrics:      options.Metrics,
		logger:       logger,
		cfg:          options.Config.withDefaults(),
		now:          func() time.Time { return time.Now().UTC() },
		sleep:        sleepContext,
	}
}

// destinationOutcome is the state of one destination after a fanout.
// complete is false when the destination may still succeed on a later run.
type destinationOutcome struct {
	complete bool
	err      *DestinationError
}

// Fanout delivers a trace to every active destination of its project and
// returns once each destination is terminal or the context ends. The trace
// is marked complete only when no destination is left unresolved.
func (d *Dispatcher) Fanout(ctx context.Context, t *trace.Trace) Result {
	result := Result{TracesProcessed: 1}
	if t == nil {
		result.Errors = []DestinationError{{Class: string(destination.ClassPermanent), Message: "trace is nil"}}
		return result
	}

	destinations, err := d.destinations.ListActiveDestinations(ctx, t.OrgID, t.ProjectID)
	if err != nil {
		d.logger.Error("fanout destination lookup failed", "trace_id", t.TraceID, "org_id", t.OrgID, "project_id", t.ProjectID, "error", err)
		result.Errors = []DestinationError{{Class: string(destination.ClassTransient), Message: fmt.Sprintf("list destinations: %v", err)}}
		return result
	}

	outcomes := make([]destinationOutcome, len(destinations))
	group := new(errgroup.Group)
	group.SetLimit(d.cfg.MaxConcurrentDeliveries)
	for i := range destinations {
		group.Go(func() error {
			outcomes[i] = d.deliverDestination(ctx, t, destinations[i])
			return nil
		})
	}
	_ = group.Wait()

	result.DestinationsProcessed = len(destinations)
	complete := true
	for _, outcome := range outcomes {
		if !outcome.complete {
			complete = false
		}
		if outcome.err != nil {
			result.Errors = append(result.Errors, *outcome.err)
		}
	}
	result.Success = len(result.Errors) == 0

	if !complete {
		return result
	}
	completedAt := d.now()
	if err := d.traces.MarkFanoutComplete(context.WithoutCancel(ctx), t.OrgID, t.TraceID, completedAt); err != nil {
		d.logger.Warn("fanout completion write failed", "trace_id", t.TraceID, "org_id", t.OrgID, "error", err)
		d.recordAttemptWriteFailure("mark_fanout_complete")
		return result
	}
	updated := t.Clone()
	updated.FanoutStatus = trace.FanoutStatusCompleted
	updated.FanoutCompletedAt = completedAt
	d.publish(realtime.TableTraces, realtime.EventUpdate, t.OrgID, t.ProjectID, trace.NewDocument(updated), trace.NewDocument(t))
	return result
}

func (d *Dispatcher) deliverDestination(ctx context.Context, t *trace.Trace, dest configstore.Destination) destinationOutcome {
	newError := func(class destination.Class, statusCode, attempts int, message string) *DestinationError {
		return &DestinationError{
			DestinationID: dest.ID,
			Kind:          dest.Kind,
			Class:         string(class),
			StatusCode:    statusCode,
			Attempts:      attempts,
			Message:       message,
		}
	}

	last, err := d.attempts.LastAttempt(ctx, t.OrgID, t.TraceID, dest.ID)
	if err != nil {
		d.logger.Error("delivery state lookup failed", "trace_id", t.TraceID, "destination_id", dest.ID, "error", err)
		return destinationOutcome{err: newError(destination.ClassTransient, 0, 0, fmt.Sprintf("read delivery state: %v", err))}
	}

	next := 1
	if last != nil {
		if last.Done() {
			if last.Outcome == delivery.OutcomeSuccess {
				return destinationOutcome{complete: true}
			}
			return destinationOutcome{complete: true, err: newError(destination.Class(last.ErrorClass), last.StatusCode, last.AttemptNumber, last.ErrorMessage)}
		}
		next = last.AttemptNumber + 1
	}
	if next > d.cfg.MaxAttempts {
		message := "attempts exhausted"
		if last != nil && last.ErrorMessage != "" {
			message = last.ErrorMessage
		}
		return destinationOutcome{complete: true, err: newError(destination.Class(last.ErrorClass), last.StatusCode, last.AttemptNumber, message)}
	}

	schedule := d.newBackOff()
	deliveryID := delivery.NewDeliveryID(t.OrgID, t.TraceID, dest.ID)
	for attemptNumber := next; ; attemptNumber++ {
		if err := ctx.Err(); err != nil {
			return destinationOutcome{err: newError(destination.ClassTransient, 0, attemptNumber-1, fmt.Sprintf("fanout interrupted: %v", err))}
		}

		response, deliveryErr, latency := d.attempt(ctx, t, dest, deliveryID, attemptNumber)
		class := destination.Class("")
		retryAfter := time.Duration(0)
		statusCode := response.StatusCode
		if deliveryErr != nil {
			class = deliveryErr.Class
			retryAfter = deliveryErr.RetryAfter
			if deliveryErr.StatusCode > 0 {
				statusCode = deliveryErr.StatusCode
			}
		}
		lastAllowed := attemptNumber >= d.cfg.MaxAttempts
		terminal := deliveryErr == nil || class == destination.ClassPermanent || lastAllowed

		row := delivery.Attempt{
			ID:            uuid.NewString(),
			OrgID:         t.OrgID,
			ProjectID:     t.ProjectID,
			TraceID:       t.TraceID,
			DestinationID: dest.ID,
			DeliveryID:    deliveryID,
			AttemptNumber: attemptNumber,
			Outcome:       delivery.OutcomeSuccess,
			Terminal:      terminal,
			StatusCode:    statusCode,
			LatencyMS:     latency.Milliseconds(),
			CreatedAt:     d.now(),
		}
		if deliveryErr != nil {
			row.Outcome = delivery.OutcomeFailure
			row.ErrorClass = string(class)
			row.ErrorMessage = deliveryErr.Error()
		}
		d.recordAttempt(ctx, row)
		if d.metrics != nil {
			d.metrics.RecordDelivery(dest.Kind, string(row.Outcome), string(class), latency)
		}

		if deliveryErr == nil {
			return destinationOutcome{complete: true}
		}
		if terminal {
			d.logger.Warn(
				"destination delivery failed",
				"trace_id", t.TraceID,
				"destination_id", dest.ID,
				"kind", dest.Kind,
				"attempt", attemptNumber,
				"class", class,
				"status_code", statusCode,
				"error", deliveryErr,
			)
			return destinationOutcome{complete: true, err: newError(class, statusCode, attemptNumber, deliveryErr.Error())}
		}

		wait := schedule.NextBackOff()
		if retryAfter > wait {
			wait = min(retryAfter, d.cfg.MaxBackoff)
		}
		if d.metrics != nil {
			d.metrics.RecordRetry(dest.Kind)
		}
		d.logger.Debug("retrying destination delivery", "trace_id", t.TraceID, "destination_id", dest.ID, "attempt", attemptNumber, "wait", wait)
		if err := d.sleep(ctx, wait); err != nil {
			return destinationOutcome{err: newError(destination.ClassTransient, statusCode, attemptNumber, fmt.Sprintf("fanout interrupted: %v", err))}
		}
	}
}

// attempt runs one delivery under its own timeout.
func (d *Dispatcher) attempt(ctx context.Context, t *trace.Trace, dest configstore.Destination, deliveryID string, attemptNumber int) (destination.Response, *destination.DeliveryError, time.Duration) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	started := time.Now()
	response, err := d.deliverer.Deliver(attemptCtx, destination.Delivery{
		DeliveryID:  deliveryID,
		Attempt:     attemptNumber,
		Trace:       t,
		Destination: dest,
	})
	latency := time.Since(started)
	if err == nil {
		return response, nil, latency
	}
	var deliveryErr *destination.DeliveryError
	if !errors.As(err, &deliveryErr) {
		deliveryErr = &destination.DeliveryError{Class: destination.Classify(err), StatusCode: response.StatusCode, Err: err}
	}
	return response, deliveryErr, latency
}

// recordAttempt appends the attempt row. A failed append is logged and
// counted; delivery continues.
func (d *Dispatcher) recordAttempt(ctx context.Context, row delivery.Attempt) {
	if err := d.attempts.AppendAttempt(context.WithoutCancel(ctx), row); err != nil {
		d.logger.Error(
			"delivery attempt write failed",
			"trace_id", row.TraceID,
			"destination_id", row.DestinationID,
			"attempt", row.AttemptNumber,
			"error", err,
		)
		d.recordAttemptWriteFailure("append_attempt")
		return
	}
	d.publish(realtime.TableDeliveryAttempts, realtime.EventInsert, row.OrgID, row.ProjectID, row, nil)
}

func (d *Dispatcher) recordAttemptWriteFailure(operation string) {
	if d.metrics != nil {
		d.metrics.RecordAttemptWriteFailure(operation)
	}
}

func (d *Dispatcher) publish(table string, eventType realtime.EventType, orgID, projectID string, newRow, oldRow any) {
	if d.publisher == nil {
		return
	}
	event, err := realtime.NewEvent(table, eventType, orgID, projectID, newRow, oldRow)
	if err != nil {
		d.logger.Warn("realtime event encode failed", "table", table, "error", err)
		return
	}
	d.publisher.Publish(event)
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = d.cfg.InitialBackoff
	schedule.Multiplier = d.cfg.BackoffMultiplier
	schedule.MaxInterval = d.cfg.MaxBackoff
	schedule.RandomizationFactor = d.cfg.Jitter
	schedule.MaxElapsedTime = 0
	schedule.Reset()
	return schedule
}

func sleepContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
