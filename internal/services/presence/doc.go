// Package presence carries typing indicators. Signals are unencrypted and
// never persisted: outgoing ones are debounced, incoming ones expire on
// their own unless refreshed.
package presence
