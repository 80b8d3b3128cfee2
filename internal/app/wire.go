package app

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"sealdm/internal/relay"
	"sealdm/internal/services/attachment"
	"sealdm/internal/services/conversation"
	"sealdm/internal/services/keyvault"
	"sealdm/internal/services/msgsync"
	"sealdm/internal/services/outbox"
	"sealdm/internal/services/peerkeys"
	"sealdm/internal/services/presence"
	"sealdm/internal/store"
)

// Wire bundles all stores, services, and clients for one local user.
type Wire struct {
	Log   *zap.Logger
	Keys  *store.KeyFileStore
	State *store.StateDB
	Relay *relay.HTTP

	Vault       *keyvault.Service
	Peers       *peerkeys.Service
	Store       *conversation.Store
	Sync        *msgsync.Service
	Outbox      *outbox.Service
	Presence    *presence.Service
	Attachments *attachment.Service
}

// NewWire constructs the dependency graph from cfg. log may be nil.
func NewWire(cfg Config, log *zap.Logger) (*Wire, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("user", cfg.UserID.String()))
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, fmt.Errorf("create home: %w", err)
	}

	// Local stores
	var keyOpts []store.KeyStoreOption
	if cfg.KDF == "scrypt" {
		keyOpts = append(keyOpts, store.WithScrypt())
	}
	keys := store.NewKeyFileStore(cfg.Home, keyOpts...)
	var (
		state *store.StateDB
		err   error
	)
	if cfg.DBPath != "" {
		state, err = store.OpenStateDBPath(cfg.DBPath)
	} else {
		state, err = store.OpenStateDB(cfg.Home)
	}
	if err != nil {
		return nil, err
	}

	// Relay client; streams use their own client so a unary timeout never
	// cuts them.
	rc := relay.NewHTTP(cfg.RelayURL, cfg.Token, log)
	if cfg.HTTP != nil {
		rc.HTTP = cfg.HTTP
	} else {
		rc.HTTP = &http.Client{Timeout: 30 * time.Second}
	}

	var vaultOpts []keyvault.Option
	if cfg.PublishTimeout > 0 {
		vaultOpts = append(vaultOpts, keyvault.WithPublishTimeout(time.Duration(cfg.PublishTimeout)))
	}
	vault := keyvault.New(cfg.UserID, keys, rc, log, vaultOpts...)

	peers := peerkeys.New(rc, log)
	if cfg.ResolveTimeout > 0 {
		peers.Timeout = time.Duration(cfg.ResolveTimeout)
	}

	convs := conversation.NewStore(cfg.UserID, state, log)
	syncer := msgsync.New(rc, vault, convs, log)

	return &Wire{
		Log:         log,
		Keys:        keys,
		State:       state,
		Relay:       rc,
		Vault:       vault,
		Peers:       peers,
		Store:       convs,
		Sync:        syncer,
		Outbox:      outbox.New(rc, vault, peers, convs, syncer, state, log),
		Presence:    presence.New(rc, cfg.UserID, log),
		Attachments: attachment.New(rc, log),
	}, nil
}

// Close releases the wire's resources and wipes the private key from
// memory.
func (w *Wire) Close() error {
	_ = w.Outbox.Close()
	w.Vault.Teardown()
	_ = w.Log.Sync()
	return w.State.Close()
}
