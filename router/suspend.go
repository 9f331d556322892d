package router

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/c35s/tbcfg/cfgmsg"
)

// Suspend puts the router to sleep with wake on USB3 enabled and waits for
// it to report sleep ready. It is a no-op if the router is already
// suspended.
func (r *Router) Suspend() error {
	if r.Suspended() {
		return nil
	}

	var cs5 [1]uint32
	if err := r.Read(cfgmsg.SpaceRouter, 0, cfgmsg.RouterCS5, 1, cs5[:]); err != nil {
		return fmt.Errorf("read ROUTER_CS_5: %w", err)
	}

	cs5[0] |= cfgmsg.RouterSLP
	cs5[0] &^= cfgmsg.RouterWOP | cfgmsg.RouterWOU | cfgmsg.RouterWOD
	cs5[0] |= cfgmsg.RouterWOU

	if err := r.Write(cfgmsg.SpaceRouter, 0, cfgmsg.RouterCS5, 1, cs5[:]); err != nil {
		return fmt.Errorf("write ROUTER_CS_5: %w", err)
	}

	// one check, then up to SleepReadyAttempts more
	cfg := &r.f.cfg
	for i := 0; i <= cfg.SleepReadyAttempts; i++ {
		time.Sleep(cfg.SleepReadyWait)

		var cs6 [1]uint32
		if err := r.Read(cfgmsg.SpaceRouter, 0, cfgmsg.RouterCS6, 1, cs6[:]); err != nil {
			return fmt.Errorf("read ROUTER_CS_6: %w", err)
		}

		if cs6[0]&cfgmsg.RouterSLPR != 0 {
			r.mu.Lock()
			r.suspended = true
			r.mu.Unlock()

			r.log.Info("router suspended")
			return nil
		}

		r.log.Debug("router not sleep ready", zap.Int("attempt", i+1))
	}

	return fmt.Errorf("%w: %v never became sleep ready", ErrTimeout, r.route)
}

// Resume marks a suspended router awake. The router wakes itself on the
// events Suspend enabled; Resume only updates the host's view.
func (r *Router) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.suspended {
		return nil
	}

	r.suspended = false
	r.log.Info("router resumed")
	return nil
}
