// Package delivery defines the outbound channel contract the consumer
// dispatches replies through, and the HTTP adapter for the send-message
// API. The channel must tolerate duplicate sends: at-least-once
// consumption means a reply can occasionally be delivered twice.
package delivery

import "context"

// Func delivers one reply text to a destination address. Implementations
// must honor the context deadline and be safe to call concurrently.
type Func func(ctx context.Context, destination, text string) error
