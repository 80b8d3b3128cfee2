package envelope_test

import (
	"errors"
	"testing"

	"sealdm/internal/domain"
	"sealdm/internal/envelope"
)

func sealedRow(t *testing.T, alice, bob *testKeys, body domain.MessageBody) domain.EnvelopeRow {
	t.Helper()
	row := domain.EnvelopeRow{
		ID:             "msg-1",
		ConversationID: "conv-1",
		SenderID:       "alice",
		RecipientID:    "bob",
		Type:           body.Kind(),
		SealedAt:       1700000000000,
	}
	forBob, forAlice, err := envelope.SealPair(body, envelope.ForRow(row), bob.pub, alice.pub, alice)
	if err != nil {
		t.Fatalf("SealPair: %v", err)
	}
	row.ForRecipient, row.ForSender = &forBob, &forAlice
	return row
}

func TestOpenRow_BothSidesRead(t *testing.T) {
	alice, bob := newKeys(t), newKeys(t)
	row := sealedRow(t, alice, bob, domain.TextBody{Text: "hello"})

	for viewer, keys := range map[domain.UserID]*testKeys{"alice": alice, "bob": bob} {
		body, err := envelope.OpenRow(row, viewer, keys)
		if err != nil {
			t.Fatalf("%s: OpenRow: %v", viewer, err)
		}
		if body != (domain.TextBody{Text: "hello"}) {
			t.Fatalf("%s: body = %#v", viewer, body)
		}
	}
	// Bob cannot read Alice's self-copy.
	swapped := row
	swapped.ForRecipient = row.ForSender
	if _, err := envelope.OpenRow(swapped, "bob", bob); !errors.Is(err, domain.ErrTagMismatch) {
		t.Fatalf("err = %v, want ErrTagMismatch", err)
	}
}

func TestOpenRow_TypeMismatchAndMissing(t *testing.T) {
	alice, bob := newKeys(t), newKeys(t)
	row := sealedRow(t, alice, bob, domain.TextBody{Text: "hello"})

	// Relabelling the row changes nothing in the AD, but the body kind no
	// longer matches.
	relabelled := row
	relabelled.Type = domain.MessageImage
	if _, err := envelope.OpenRow(relabelled, "bob", bob); !errors.Is(err, domain.ErrTagMismatch) {
		t.Fatalf("relabelled: err = %v", err)
	}

	missing := row
	missing.ForRecipient = nil
	if _, err := envelope.OpenRow(missing, "bob", bob); !errors.Is(err, domain.ErrTagMismatch) {
		t.Fatalf("missing: err = %v", err)
	}

	moved := row
	moved.SealedAt++
	if _, err := envelope.OpenRow(moved, "bob", bob); !errors.Is(err, domain.ErrTagMismatch) {
		t.Fatalf("moved: err = %v", err)
	}
}
