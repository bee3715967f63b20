package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/teamtrek/realtime/pkg/transport"
)

// Event is an application event bound for one channel. Payload is opaque:
// it is serialized exactly once and never inspected. ConnectionID
// optionally names the originating connection; when set, the send draws
// one unit of that connection's message quota.
type Event struct {
	ID           string `json:"id,omitempty"`
	Channel      string `json:"channel"`
	Name         string `json:"name"`
	Payload      any    `json:"payload"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// DeliveryError is one per-event failure captured during dispatch.
type DeliveryError struct {
	EventID string `json:"eventId"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// DeliveryResult reports the outcome of dispatching one event.
// DeliveredTo is the local subscriber count at dispatch time; the
// transport owns actual delivery beyond that.
type DeliveryResult struct {
	EventID     string          `json:"eventId"`
	Success     bool            `json:"success"`
	DeliveredTo int             `json:"deliveredTo"`
	Errors      []DeliveryError `json:"errors,omitempty"`
}

// Dispatcher pushes events through the transport, resolving fan-out from
// the subscription registry. Transport failures are captured per event in
// the DeliveryResult and never abort sibling events; policy violations
// (quota, unknown originator, bad channel) surface as returned errors on
// single sends and per-slot failures on batches.
type Dispatcher struct {
	tc      transport.Client
	conns   *ConnectionRegistry
	subs    *SubscriptionRegistry
	limiter *RateLimiter
	health  *HealthMonitor
	metrics *Metrics
	ids     *idGen
	log     zerolog.Logger

	maxPayloadBytes int
	timeout         time.Duration
	batchMax        int
}

// NewDispatcher wires a dispatcher. batchOverride caps the transport's
// native batch size when lower; 0 keeps the transport's own cap.
func NewDispatcher(
	tc transport.Client,
	conns *ConnectionRegistry,
	subs *SubscriptionRegistry,
	limiter *RateLimiter,
	health *HealthMonitor,
	ids *idGen,
	log zerolog.Logger,
	maxPayloadBytes int,
	timeout time.Duration,
	batchOverride int,
) *Dispatcher {
	batchMax := tc.BatchMax()
	if batchMax <= 0 {
		batchMax = 10
	}
	if batchOverride > 0 && batchOverride < batchMax {
		batchMax = batchOverride
	}
	return &Dispatcher{
		tc:              tc,
		conns:           conns,
		subs:            subs,
		limiter:         limiter,
		health:          health,
		ids:             ids,
		log:             log,
		maxPayloadBytes: maxPayloadBytes,
		timeout:         timeout,
		batchMax:        batchMax,
	}
}

// SetMetrics attaches metrics to the dispatcher.
func (d *Dispatcher) SetMetrics(metrics *Metrics) {
	d.metrics = metrics
}

// SendEvent publishes one event. Policy violations come back as the
// returned error; transport failures are recorded in the result with
// Success=false and a nil error, so registry state is never disturbed by
// a bad delivery.
func (d *Dispatcher) SendEvent(ctx context.Context, ev Event) (*DeliveryResult, error) {
	if err := d.checkPolicy(&ev); err != nil {
		return nil, err
	}

	res := DeliveryResult{EventID: ev.ID}
	payload, derr := d.encodePayload(&ev)
	if derr != nil {
		res.Errors = append(res.Errors, *derr)
		if d.metrics != nil {
			d.metrics.RecordEventPublished("rejected")
		}
		return &res, nil
	}

	res.DeliveredTo = len(d.subs.ChannelSubscribers(ev.Channel))

	err := d.publish(ctx, transport.Event{Channel: ev.Channel, Name: ev.Name, Payload: payload})
	if err != nil {
		res.DeliveredTo = 0
		res.Errors = append(res.Errors, deliveryError(ev.ID, err))
		d.log.Warn().Err(err).Str("event_id", ev.ID).Str("channel", ev.Channel).Msg("publish failed")
		if d.metrics != nil {
			d.metrics.RecordEventPublished("error")
		}
		return &res, nil
	}

	res.Success = true
	if d.metrics != nil {
		d.metrics.RecordEventPublished("ok")
		d.metrics.RecordEventFanout(res.DeliveredTo)
	}
	return &res, nil
}

// SendEventBatch publishes events preserving 1:1 input/output ordering.
// Each event fails or succeeds in its own slot: policy violations and
// oversized payloads never reach the transport, and a transport error on
// one chunk leaves the other chunks' outcomes intact.
func (d *Dispatcher) SendEventBatch(ctx context.Context, events []Event) ([]DeliveryResult, error) {
	results := make([]DeliveryResult, len(events))
	if len(events) == 0 {
		return results, nil
	}

	type pending struct {
		idx int
		tev transport.Event
	}
	valid := make([]pending, 0, len(events))

	for i := range events {
		ev := &events[i]
		if err := d.checkPolicy(ev); err != nil {
			results[i] = DeliveryResult{
				EventID: ev.ID,
				Errors:  []DeliveryError{{EventID: ev.ID, Code: CodeOf(err), Message: err.Error()}},
			}
			if d.metrics != nil {
				d.metrics.RecordEventPublished("rejected")
			}
			continue
		}
		results[i] = DeliveryResult{EventID: ev.ID}

		payload, derr := d.encodePayload(ev)
		if derr != nil {
			results[i].Errors = append(results[i].Errors, *derr)
			if d.metrics != nil {
				d.metrics.RecordEventPublished("rejected")
			}
			continue
		}

		results[i].DeliveredTo = len(d.subs.ChannelSubscribers(ev.Channel))
		valid = append(valid, pending{
			idx: i,
			tev: transport.Event{Channel: ev.Channel, Name: ev.Name, Payload: payload},
		})
	}

	for start := 0; start < len(valid); start += d.batchMax {
		end := min(start+d.batchMax, len(valid))
		chunk := valid[start:end]

		tevs := make([]transport.Event, len(chunk))
		for j, p := range chunk {
			tevs[j] = p.tev
		}

		err := d.publishBatch(ctx, tevs)
		if err != nil {
			d.log.Warn().Err(err).Int("events", len(chunk)).Msg("batch publish failed")
		}

		for _, p := range chunk {
			if err != nil {
				results[p.idx].DeliveredTo = 0
				results[p.idx].Errors = append(results[p.idx].Errors, deliveryError(results[p.idx].EventID, err))
				if d.metrics != nil {
					d.metrics.RecordEventPublished("error")
				}
				continue
			}
			results[p.idx].Success = true
			if d.metrics != nil {
				d.metrics.RecordEventPublished("ok")
				d.metrics.RecordEventFanout(results[p.idx].DeliveredTo)
			}
		}
	}

	return results, nil
}

// checkPolicy validates the event and consumes the originator's message
// quota. It assigns the event ID as a side effect so failures are still
// attributable.
func (d *Dispatcher) checkPolicy(ev *Event) error {
	if ev.ID == "" {
		ev.ID = d.ids.eventID()
	}
	if err := ValidateChannelName(ev.Channel); err != nil {
		return err
	}
	if ev.Name == "" {
		return opErr("send", CodeInvalidArgument, "event name is empty")
	}
	if ev.ConnectionID == "" {
		return nil
	}
	if _, ok := d.conns.Get(ev.ConnectionID); !ok {
		return opErr("send", CodeNotFound, "connection %s not found", ev.ConnectionID)
	}
	if !d.limiter.Allow(ev.ConnectionID, OpMessage) {
		if d.metrics != nil {
			d.metrics.RecordRateLimitHit(string(OpMessage))
		}
		return opErr("send", CodeRateLimitExceeded, "message quota exhausted for connection %s", ev.ConnectionID)
	}
	d.conns.Touch(ev.ConnectionID)
	return nil
}

// encodePayload serializes the payload once and applies the pre-call size
// check, so oversized events never reach the transport.
func (d *Dispatcher) encodePayload(ev *Event) (json.RawMessage, *DeliveryError) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, &DeliveryError{
			EventID: ev.ID,
			Code:    CodeInvalidArgument,
			Message: "payload is not serializable: " + err.Error(),
		}
	}
	if d.maxPayloadBytes > 0 && len(payload) > d.maxPayloadBytes {
		return nil, &DeliveryError{
			EventID: ev.ID,
			Code:    CodePayloadTooLarge,
			Message: fmt.Sprintf("payload of %d bytes exceeds limit of %d", len(payload), d.maxPayloadBytes),
		}
	}
	return payload, nil
}

func (d *Dispatcher) publish(ctx context.Context, tev transport.Event) error {
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := d.tc.Publish(cctx, tev)
	latency := time.Since(start)

	d.health.RecordDelivery(latency, err)
	if d.metrics != nil {
		d.metrics.RecordTransportLatency(latency.Seconds())
	}
	return err
}

func (d *Dispatcher) publishBatch(ctx context.Context, tevs []transport.Event) error {
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := d.tc.PublishBatch(cctx, tevs)
	latency := time.Since(start)

	d.health.RecordDelivery(latency, err)
	if d.metrics != nil {
		d.metrics.RecordTransportLatency(latency.Seconds())
		d.metrics.RecordBatchChunk(len(tevs))
	}
	return err
}

// deliveryError maps a transport failure onto the per-event error record.
// Timeouts and network faults read as unavailability rather than being
// retried here; retry policy belongs to callers.
func deliveryError(eventID string, err error) DeliveryError {
	code := CodeTransportUnavailable
	if errors.Is(err, transport.ErrTooLarge) {
		code = CodePayloadTooLarge
	}
	return DeliveryError{EventID: eventID, Code: code, Message: err.Error()}
}
