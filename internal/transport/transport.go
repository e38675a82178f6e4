// Package transport defines the delivery boundary: an authenticated
// mail-sending endpoint that accepts a fully rendered message and reports
// success or a classified failure.
package transport

import "context"

// Message is a fully rendered email ready to hand to a provider.
type Message struct {
	To             string
	Subject        string
	Body           string
	AttachmentPath string // empty means no attachment
}

// Transport sends one rendered message. Errors are classified: a
// TransientError is retry-eligible, a PermanentError is terminal. An
// unclassified error (network hiccup, timeout) is treated as transient.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
	Name() string
}
