// Package attachment uploads media out-of-band through the relay's blob
// endpoint and turns the result into a message body.
//
// Only the reference (URL, name, size, MIME type) travels inside the
// sealed envelope. The uploaded bytes themselves are stored by the relay
// as-is and are not end-to-end encrypted.
package attachment
