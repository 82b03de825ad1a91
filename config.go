package ulrt

import (
	"sync/atomic"

	"github.com/nullsafe/ulrt/internal/rtlog"
	"go.uber.org/zap"
)

// Config is the process-wide environment configuration, the Go-native
// analogue of Argobots' ABT_init plus environment variables collapsed into
// one struct instead of process environment lookups.
type Config struct {
	// DefaultStackSize is used by NewULT callers that pass stackSize <= 0.
	DefaultStackSize int
	// SetAffinity, when true, binds each ES's kernel thread to the CPU
	// matching its rank via golang.org/x/sys/unix (affinity_linux.go).
	SetAffinity bool
	// SecondaryES is how many SECONDARY ESs Init pre-creates (and starts)
	// beyond the PRIMARY.
	SecondaryES int
	// Logger, if non-nil, replaces the package-wide no-op zap logger.
	Logger *zap.Logger
}

// DefaultConfig mirrors Argobots' built-in defaults: a modest default ULT
// stack size, affinity left to the OS scheduler, no secondary ESs.
func DefaultConfig() Config {
	return Config{
		DefaultStackSize: 256 * 1024,
		SetAffinity:      false,
		SecondaryES:      0,
	}
}

var config atomic.Pointer[Config]

func activeConfig() Config {
	c := config.Load()
	if c == nil {
		return DefaultConfig()
	}
	return *c
}

// Runtime is the handle Init returns: the PRIMARY ES plus whatever
// SECONDARY ESs were pre-created, already Start()-ed.
type Runtime struct {
	Primary     *ES
	Secondaries []*ES
}

// Init creates the registry's PRIMARY ES (coinciding with the calling
// goroutine) and cfg.SecondaryES SECONDARY ESs, installs cfg.Logger into
// internal/rtlog if set, and returns the Runtime handle. It must be called
// at most once per process; calling it twice returns CodeESState.
func Init(cfg Config) (*Runtime, error) {
	if cfg.DefaultStackSize <= 0 {
		cfg.DefaultStackSize = DefaultConfig().DefaultStackSize
	}
	if globalRegistry.getPrimary() != nil {
		return nil, errf("Init", CodeESState)
	}
	c := cfg
	config.Store(&c)
	if cfg.Logger != nil {
		rtlog.Set(cfg.Logger)
	}

	primary := newPrimaryES(nil, cfg.SetAffinity)

	rt := &Runtime{Primary: primary}
	for i := 0; i < cfg.SecondaryES; i++ {
		sec := NewSecondaryES(nil)
		if err := sec.Start(); err != nil {
			return nil, wrapf("Init", CodeESState, err)
		}
		rt.Secondaries = append(rt.Secondaries, sec)
	}
	return rt, nil
}

// SetLogger swaps the package-wide logger at any point after Init.
func SetLogger(l *zap.Logger) {
	rtlog.Set(l)
}
