//go:generate go run go.uber.org/mock/mockgen -source=handler.go -destination=../mocks/mock_handler.go -package=mocks
package dispatch

import "context"

// Handler receives every message after classification, in queue order, on
// the dispatcher goroutine. Built-in chat relay and ping replies have already
// been sent when HandleMessage runs. A Handler may call back into the
// registry to send or broadcast.
type Handler interface {
	HandleMessage(ctx context.Context, clientID string, kind Kind, payload string)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, clientID string, kind Kind, payload string)

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, clientID string, kind Kind, payload string) {
	f(ctx, clientID, kind, payload)
}
