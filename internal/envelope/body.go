package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"sealdm/internal/domain"
)

type wireBody struct {
	Kind    domain.MessageType    `json:"kind"`
	Text    string                `json:"text,omitempty"`
	Caption string                `json:"caption,omitempty"`
	Ref     *domain.AttachmentRef `json:"ref,omitempty"`
}

// EncodeBody serializes a message body into envelope plaintext.
func EncodeBody(b domain.MessageBody) ([]byte, error) {
	var w wireBody
	switch v := b.(type) {
	case domain.TextBody:
		w = wireBody{Kind: domain.MessageText, Text: v.Text}
	case domain.ImageBody:
		ref := v.Ref
		w = wireBody{Kind: domain.MessageImage, Caption: v.Caption, Ref: &ref}
	case domain.FileBody:
		ref := v.Ref
		w = wireBody{Kind: domain.MessageFile, Caption: v.Caption, Ref: &ref}
	case nil:
		return nil, errors.New("envelope: nil body")
	default:
		return nil, fmt.Errorf("envelope: unsupported body %T", b)
	}
	return json.Marshal(w)
}

// DecodeBody parses envelope plaintext back into a message body.
func DecodeBody(p []byte) (domain.MessageBody, error) {
	var w wireBody
	if err := json.Unmarshal(p, &w); err != nil {
		return nil, fmt.Errorf("envelope: decode body: %w", err)
	}
	switch w.Kind {
	case domain.MessageText:
		return domain.TextBody{Text: w.Text}, nil
	case domain.MessageImage, domain.MessageFile:
		if w.Ref == nil {
			return nil, fmt.Errorf("envelope: %s body without attachment", w.Kind)
		}
		if w.Kind == domain.MessageImage {
			return domain.ImageBody{Caption: w.Caption, Ref: *w.Ref}, nil
		}
		return domain.FileBody{Caption: w.Caption, Ref: *w.Ref}, nil
	default:
		return nil, fmt.Errorf("envelope: unknown body kind %q", w.Kind)
	}
}
