package telephony

import "context"

// Provider defines the provider-agnostic telephony interface used by the
// call lifecycle engine.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Keep request/response types provider-agnostic; provider raw payloads
//   belong in adapter metadata, never in the core models.
type Provider interface {
	Name() string

	// PlaceCall initiates an outbound call and returns the provider's
	// identifier for it. The call is not yet answered when this returns.
	PlaceCall(ctx context.Context, number string) (providerCallID string, err error)

	// Hangup terminates an in-flight call at the provider.
	Hangup(ctx context.Context, providerCallID string) error
}
