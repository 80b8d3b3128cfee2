// Package relay provides an HTTP implementation of the domain.RelayClient
// interface used by sealdm.
//
// The relay stores published public keys, conversations and sealed envelope
// rows, and streams per-conversation changes. This package offers a concrete
// HTTP client for it; the sse subpackage holds the event-stream codec shared
// with the server.
//
// All requests are JSON over HTTP with a bearer token and accept a context
// for cancellation and deadlines. Non-2xx statuses are returned as
// *StatusError, which unwraps to the matching domain sentinel. Transport
// failures and 5xx responses wrap domain.ErrNetwork.
package relay
