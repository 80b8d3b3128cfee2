package envelope

import (
	"fmt"

	"sealdm/internal/crypto"
	"sealdm/internal/domain"
)

// SealPair seals body twice under the same associated data: once for the
// recipient and once for the sender's own key.
func SealPair(
	body domain.MessageBody,
	ad AssociatedData,
	recipient, self domain.X25519Public,
	sender Sealer,
) (forRecipient, forSender domain.Envelope, err error) {
	plaintext, err := EncodeBody(body)
	if err != nil {
		return domain.Envelope{}, domain.Envelope{}, err
	}
	defer crypto.Wipe(plaintext)

	if forRecipient, err = Seal(plaintext, recipient, sender, ad); err != nil {
		return domain.Envelope{}, domain.Envelope{}, err
	}
	if forSender, err = Seal(plaintext, self, sender, ad); err != nil {
		return domain.Envelope{}, domain.Envelope{}, err
	}
	return forRecipient, forSender, nil
}

// OpenRow decrypts the copy of row addressed to viewer. Any content fault
// (missing envelope, bad tag, malformed body, body kind disagreeing with the
// row type) is reported as domain.ErrTagMismatch.
func OpenRow(row domain.EnvelopeRow, viewer domain.UserID, opener Opener) (domain.MessageBody, error) {
	env := row.EnvelopeFor(viewer)
	if env == nil {
		return nil, fmt.Errorf("%w: no envelope for %s", domain.ErrTagMismatch, viewer)
	}
	plaintext, err := Open(*env, ForRow(row), opener)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(plaintext)

	body, err := DecodeBody(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTagMismatch, err)
	}
	if body.Kind() != row.Type {
		return nil, fmt.Errorf("%w: body kind %s in %s row", domain.ErrTagMismatch, body.Kind(), row.Type)
	}
	return body, nil
}
