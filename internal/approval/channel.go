package approval

import "context"

// Channel presents approval requests to the human decision-maker and
// delivers their answers back through Broker.Resolve. Implementations are
// external collaborators (Telegram bot, web dashboard, console); an outage
// leaves requests pending until resolved or expired, it never corrupts
// broker state.
type Channel interface {
	// Present surfaces one request. The answer arrives asynchronously via
	// Broker.Resolve with the request's token.
	Present(ctx context.Context, req Request) error
}

// NopChannel discards requests; they resolve only by expiry. Useful in
// tests and headless runs.
type NopChannel struct{}

func (NopChannel) Present(context.Context, Request) error { return nil }
