package router

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/c35s/tbcfg/cfgmsg"
)

// Config configures a Fabric.
type Config struct {

	// Retries is the number of times a blocking command is resubmitted after
	// a timeout. If Retries is 0, commands are retried 3 times. Set Retries
	// to a negative number to disable retries.
	Retries int

	// Timeout bounds each attempt of a command.
	// If Timeout is 0, an attempt times out after 2 seconds.
	Timeout time.Duration

	// PollInterval is how often a polled command checks for completion.
	// If PollInterval is 0, it checks every 100ms.
	PollInterval time.Duration

	// BusyBackoff is how long the scheduler waits before resubmitting a
	// command the transport refused because its ring was full.
	// If BusyBackoff is 0, it waits 10ms.
	BusyBackoff time.Duration

	// SleepReadyWait is the delay between checks for a router's sleep ready
	// bit during Suspend. If SleepReadyWait is 0, Suspend waits 50ms.
	SleepReadyWait time.Duration

	// SleepReadyAttempts is the number of times Suspend checks the sleep
	// ready bit again after the first check finds it clear.
	// If SleepReadyAttempts is 0, it checks 10 more times.
	SleepReadyAttempts int

	// CacheSize is the number of routes whose lookups are cached for the
	// interrupt handlers. If CacheSize is 0, 128 routes are cached.
	CacheSize int

	// Logger receives the fabric's logs. If Logger is nil, nothing is logged.
	Logger *zap.Logger

	// Metrics, if set, receives the fabric's counters.
	Metrics *Metrics

	// OnHotplug, if set, is called from interrupt context after a hotplug
	// event has been acknowledged. It must not block or issue blocking
	// commands.
	OnHotplug func(HotplugEvent)
}

// HotplugEvent reports a device plugged into or unplugged from an adapter.
type HotplugEvent struct {
	Route   cfgmsg.Route
	Adapter int
	Unplug  bool
}

func (cfg Config) withDefaults() Config {
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}

	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	if cfg.BusyBackoff == 0 {
		cfg.BusyBackoff = 10 * time.Millisecond
	}

	if cfg.SleepReadyWait == 0 {
		cfg.SleepReadyWait = 50 * time.Millisecond
	}

	if cfg.SleepReadyAttempts == 0 {
		cfg.SleepReadyAttempts = 10
	}

	if cfg.CacheSize == 0 {
		cfg.CacheSize = 128
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}

	return cfg
}

func (cfg Config) validate() error {
	if cfg.Timeout < 0 {
		return errors.New("negative timeout")
	}

	if cfg.PollInterval < 0 || cfg.PollInterval > cfg.Timeout {
		return errors.New("poll interval must be between 0 and the timeout")
	}

	if cfg.BusyBackoff < 0 || cfg.SleepReadyWait < 0 {
		return errors.New("negative backoff")
	}

	if cfg.SleepReadyAttempts < 0 {
		return errors.New("negative sleep ready attempts")
	}

	if cfg.CacheSize < 0 {
		return errors.New("negative cache size")
	}

	return nil
}
