package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adhocore/gronx"
)

const (
	defaultDirectoryURL = "http://127.0.0.1:8222"
	defaultLogLevel     = "NOTICE"
	defaultStoreFile    = "kryptera.db"
	defaultDeviceID     = "primary"
)

// Device identifies this installation to the directory.
type Device struct {
	// User is the account name this device registers and receives under.
	User string

	// ID distinguishes this device within the account.
	ID string

	// Name is the human-readable label published in the device bundle.
	Name string
}

func (d *Device) fixup() {
	if d.ID == "" {
		d.ID = defaultDeviceID
	}
	if d.Name == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			d.Name = host
		} else {
			d.Name = d.ID
		}
	}
}

// Store configures the encrypted state database.
type Store struct {
	// Path is the bbolt file holding identity, prekeys, rotating keys and
	// sessions. A relative path resolves under the home directory.
	Path string
}

func (s *Store) fixup(home string) {
	if s.Path == "" {
		s.Path = defaultStoreFile
	}
	if !filepath.IsAbs(s.Path) {
		s.Path = filepath.Join(home, s.Path)
	}
}

// Directory configures the directory endpoint.
type Directory struct {
	// URL is the directoryd base URL.
	URL string
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Ratchet bounds per-session ratchet state. Zero values mean the engine
// defaults.
type Ratchet struct {
	// MaxSkip is the most messages a single header may skip over.
	MaxSkip int

	// SkippedCapacity caps how many skipped message keys one session
	// retains for out-of-order delivery.
	SkippedCapacity int

	// SkippedTTLHours expires retained skipped keys.
	SkippedTTLHours int
}

func (r *Ratchet) skippedTTL() time.Duration {
	return time.Duration(r.SkippedTTLHours) * time.Hour
}

// Sessions tunes session caching and expiry. Zero values mean the service
// defaults.
type Sessions struct {
	// TTLHours is how long an idle session survives before the cleanup
	// sweep expires it.
	TTLHours int

	// ReuseHours is how long fan-out keeps using an established session
	// before re-establishing it.
	ReuseHours int

	// CacheCapacity and CacheTTLMinutes bound the in-memory session cache.
	CacheCapacity   int
	CacheTTLMinutes int
}

func (s *Sessions) ttl() time.Duration      { return time.Duration(s.TTLHours) * time.Hour }
func (s *Sessions) reuse() time.Duration    { return time.Duration(s.ReuseHours) * time.Hour }
func (s *Sessions) cacheTTL() time.Duration { return time.Duration(s.CacheTTLMinutes) * time.Minute }

// Rotation tunes the rotating-key scheduler. Zero values mean the scheduler
// defaults.
type Rotation struct {
	// Cron is the schedule on which the scheduler checks key health.
	Cron string

	// IntervalDays is how long each rotating key stays valid.
	IntervalDays int

	// MaxRetained superseded keys are always kept for decrypting stale
	// ciphertexts; older ones are pruned.
	MaxRetained int
}

func (r *Rotation) interval() time.Duration {
	return time.Duration(r.IntervalDays) * 24 * time.Hour
}

// PreKeys tunes the published prekey pool.
type PreKeys struct {
	// OneTimeTarget is the pool size Replenish tops up to.
	OneTimeTarget int
}

// Config is the top level configuration.
type Config struct {
	Device    *Device
	Store     *Store
	Directory *Directory
	Logging   *Logging
	Ratchet   *Ratchet
	Sessions  *Sessions
	Rotation  *Rotation
	PreKeys   *PreKeys
}

// FixupAndValidate applies defaults to missing entries and validates the
// configuration. Relative paths resolve under home.
func (c *Config) FixupAndValidate(home string) error {
	if c.Device == nil {
		c.Device = new(Device)
	}
	if c.Store == nil {
		c.Store = new(Store)
	}
	if c.Directory == nil {
		c.Directory = new(Directory)
	}
	if c.Logging == nil {
		c.Logging = new(Logging)
	}
	if c.Ratchet == nil {
		c.Ratchet = new(Ratchet)
	}
	if c.Sessions == nil {
		c.Sessions = new(Sessions)
	}
	if c.Rotation == nil {
		c.Rotation = new(Rotation)
	}
	if c.PreKeys == nil {
		c.PreKeys = new(PreKeys)
	}

	c.Device.fixup()
	c.Store.fixup(home)
	if c.Directory.URL == "" {
		c.Directory.URL = defaultDirectoryURL
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if c.Rotation.Cron != "" && !gronx.IsValid(c.Rotation.Cron) {
		return fmt.Errorf("config: Rotation: Cron '%v' is not a valid cron expression", c.Rotation.Cron)
	}

	switch {
	case c.Ratchet.MaxSkip < 0:
		return errors.New("config: Ratchet: MaxSkip must not be negative")
	case c.Ratchet.SkippedCapacity < 0:
		return errors.New("config: Ratchet: SkippedCapacity must not be negative")
	case c.Ratchet.SkippedTTLHours < 0:
		return errors.New("config: Ratchet: SkippedTTLHours must not be negative")
	case c.Sessions.TTLHours < 0:
		return errors.New("config: Sessions: TTLHours must not be negative")
	case c.Sessions.ReuseHours < 0:
		return errors.New("config: Sessions: ReuseHours must not be negative")
	case c.Sessions.CacheCapacity < 0:
		return errors.New("config: Sessions: CacheCapacity must not be negative")
	case c.Sessions.CacheTTLMinutes < 0:
		return errors.New("config: Sessions: CacheTTLMinutes must not be negative")
	case c.Rotation.IntervalDays < 0:
		return errors.New("config: Rotation: IntervalDays must not be negative")
	case c.Rotation.MaxRetained < 0:
		return errors.New("config: Rotation: MaxRetained must not be negative")
	case c.PreKeys.OneTimeTarget < 0:
		return errors.New("config: PreKeys: OneTimeTarget must not be negative")
	}
	return nil
}

// Load parses the provided buffer b as a config file body and returns the
// Config. The caller still runs FixupAndValidate, after applying any flag
// overrides.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	return cfg, nil
}

// LoadFile loads and parses the provided file and returns the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
