package app

import (
	"context"
	"time"

	"gopkg.in/op/go-logging.v1"

	"kryptera/internal/audit"
	"kryptera/internal/directory"
	"kryptera/internal/domain"
	"kryptera/internal/log"
	"kryptera/internal/services/device"
	"kryptera/internal/services/identity"
	"kryptera/internal/services/message"
	"kryptera/internal/services/prekey"
	"kryptera/internal/services/rotation"
	"kryptera/internal/services/session"
	"kryptera/internal/store"
	"kryptera/internal/worker"
)

// Wire bundles the stores, services and clients behind the CLI. Build one
// with NewWire, optionally start the background loops, and Shutdown when
// done.
type Wire struct {
	Backend *log.Backend

	DB       *store.SecureDB
	Keys     *store.KeyStore
	Sessions *store.SessionStore

	Directory domain.Directory
	Transport domain.Transport

	Identity    *identity.Service
	PreKeys     *prekey.Service
	Establisher *session.Establisher
	Messages    *message.Engine
	Devices     *device.Service
	Rotation    *rotation.Scheduler

	cleanup *cleanupWorker
}

// NewWire constructs the dependency graph from cfg. The passphrase unlocks,
// or on first use creates, the encrypted store. cfg must already have been
// fixed up.
func NewWire(cfg *Config, passphrase string) (*Wire, error) {
	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.Store.Path, passphrase)
	if err != nil {
		return nil, err
	}

	keys := store.NewKeyStore(db)
	sessions := store.NewSessionStore(db)
	client := directory.NewClient(cfg.Directory.URL)
	sink := audit.NewLogSink(backend.GetLogger("audit"))

	est := session.New(session.Config{
		UserID:        cfg.Device.User,
		DeviceID:      cfg.Device.ID,
		CacheCapacity: cfg.Sessions.CacheCapacity,
		CacheTTL:      cfg.Sessions.cacheTTL(),
	}, keys, keys, sessions, client, sink, backend.GetLogger("session"))

	ids := identity.New(keys, sink, est, backend.GetLogger("identity"))

	pks := prekey.New(prekey.Config{
		UserID:        cfg.Device.User,
		DeviceID:      cfg.Device.ID,
		DeviceName:    cfg.Device.Name,
		OneTimeTarget: cfg.PreKeys.OneTimeTarget,
	}, keys, keys, keys, client, sink, backend.GetLogger("prekey"))

	eng := message.New(message.Config{
		MaxSkip:         uint32(cfg.Ratchet.MaxSkip),
		SkippedCapacity: cfg.Ratchet.SkippedCapacity,
		SkippedTTL:      cfg.Ratchet.skippedTTL(),
		SessionTTL:      cfg.Sessions.ttl(),
	}, est, sink, backend.GetLogger("message"))

	devs := device.New(device.Config{
		UserID:       cfg.Device.User,
		DeviceID:     cfg.Device.ID,
		SessionReuse: cfg.Sessions.reuse(),
	}, client, client, est, eng, nil, backend.GetLogger("device"))

	rot := rotation.New(rotation.Config{
		Cron:        cfg.Rotation.Cron,
		Interval:    cfg.Rotation.interval(),
		MaxRetained: cfg.Rotation.MaxRetained,
	}, keys, pks, sink, backend.GetLogger("rotation"))

	return &Wire{
		Backend:     backend,
		DB:          db,
		Keys:        keys,
		Sessions:    sessions,
		Directory:   client,
		Transport:   client,
		Identity:    ids,
		PreKeys:     pks,
		Establisher: est,
		Messages:    eng,
		Devices:     devs,
		Rotation:    rot,
	}, nil
}

// StartBackground launches the rotation scheduler and the hourly cleanup
// sweep. One-shot commands skip this and drive the services directly.
func (w *Wire) StartBackground() {
	w.Rotation.Run()
	w.cleanup = &cleanupWorker{eng: w.Messages, log: w.Backend.GetLogger("cleanup")}
	w.cleanup.Go(w.cleanup.loop)
}

// Shutdown stops any background work and closes the store.
func (w *Wire) Shutdown() {
	if w.cleanup != nil {
		w.cleanup.Halt()
	}
	w.Rotation.Halt()
	if err := w.DB.Close(); err != nil {
		w.Backend.GetLogger("app").Errorf("store close: %v", err)
	}
}

// cleanupWorker periodically expires idle sessions and stale skipped keys.
type cleanupWorker struct {
	worker.Worker

	eng *message.Engine
	log *logging.Logger
}

func (c *cleanupWorker) loop() {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-c.HaltCh():
			return
		case now := <-t.C:
			c.log.Debugf("cleanup sweep")
			c.eng.Tick(context.Background(), now.UTC())
		}
	}
}
