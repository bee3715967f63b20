// Package transport defines the push-transport boundary the realtime
// manager delegates network delivery to, plus sentinel errors shared by
// the provider implementations.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// Event is one already-serialized event bound for a channel. The payload
// is opaque at every layer; nothing here inspects it.
type Event struct {
	Channel string          `json:"channel"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"data"`
}

// ChannelInfo describes the transport's view of one channel.
type ChannelInfo struct {
	Channel         string `json:"channel"`
	SubscriberCount int    `json:"subscriberCount"`
	Occupied        bool   `json:"occupied"`
}

// Client is the push-transport interface. Implementations must be safe
// for concurrent use.
type Client interface {
	// Publish delivers one event to its channel.
	Publish(ctx context.Context, ev Event) error

	// PublishBatch delivers up to BatchMax events in one provider call.
	PublishBatch(ctx context.Context, evs []Event) error

	// ChannelInfo reports the provider's view of a channel.
	ChannelInfo(ctx context.Context, channel string) (ChannelInfo, error)

	// BatchMax is the provider's per-call batch cap.
	BatchMax() int

	// Close releases transport resources.
	Close() error
}

// Sentinel errors provider implementations map their failures onto.
var (
	ErrUnavailable   = errors.New("transport unavailable")
	ErrTooLarge      = errors.New("payload too large")
	ErrRejected      = errors.New("request rejected by transport")
	ErrBatchTooLarge = errors.New("batch exceeds transport cap")
)

// Nop returns a Client that accepts and discards everything: the default
// when no provider is configured, and the backend for load generation.
func Nop() Client { return nopClient{} }

type nopClient struct{}

func (nopClient) Publish(ctx context.Context, ev Event) error         { return nil }
func (nopClient) PublishBatch(ctx context.Context, evs []Event) error { return nil }
func (nopClient) ChannelInfo(ctx context.Context, channel string) (ChannelInfo, error) {
	return ChannelInfo{Channel: channel}, nil
}
func (nopClient) BatchMax() int { return 100 }
func (nopClient) Close() error  { return nil }
