package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/c35s/tbcfg/cfgmsg"
	"github.com/c35s/tbcfg/nhi"
	"github.com/c35s/tbcfg/router"
	"github.com/c35s/tbcfg/sim"
)

// defaultTopology is used when no topology file is given: a host router
// with one device below it and a second device daisy chained behind that.
const defaultTopology = `
[[router]]
route = "0"
vendor = 0x8086
device = 0x1137
max_adapter = 16
uuid = 0x5eed

[[router]]
route = "1"
vendor = 0x8086
device = 0x15ef
max_adapter = 8
upstream = 1
uuid = 0x1001

[[router]]
route = "301"
vendor = 0x8086
device = 0x15ef
max_adapter = 8
upstream = 1
uuid = 0x1002
`

// session is an enumerated fabric running against a simulator.
type session struct {
	log *zap.Logger
	reg *prometheus.Registry
	sim *sim.Fabric
	f   *router.Fabric

	// hotplug receives the fabric's hotplug events. Events are dropped
	// while nobody is waiting.
	hotplug chan router.HotplugEvent

	l      *nhi.Loopback
	cancel context.CancelFunc
	g      *errgroup.Group
}

// openSession starts the simulator and enumerates every router it has,
// parents before children. logw receives the logs.
func openSession(ctx context.Context, v *viper.Viper, logw io.Writer) (*session, error) {
	log, err := newLogger(logw, v.GetString(flagLogLevel), v.GetString(flagLogFormat))
	if err != nil {
		return nil, err
	}

	topo, err := loadTopology(v.GetString(flagTopology))
	if err != nil {
		return nil, err
	}

	l := nhi.NewLoopback(nhi.LoopbackConfig{})
	sf, err := sim.NewFromTopology(l, topo, sim.Config{Logger: log.Named("sim")})
	if err != nil {
		l.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sf.Serve(ctx) })

	s := &session{
		log:     log,
		reg:     prometheus.NewRegistry(),
		sim:     sf,
		hotplug: make(chan router.HotplugEvent, 1),
		l:       l,
		cancel:  cancel,
		g:       g,
	}

	s.f, err = router.AttachRoot(l, 0, router.Config{
		Retries:   v.GetInt(flagRetries),
		Timeout:   v.GetDuration(flagTimeout),
		Logger:    log,
		Metrics:   router.NewMetrics(s.reg),
		OnHotplug: s.onHotplug,
	})

	if err != nil {
		s.stop()
		return nil, fmt.Errorf("attach root: %w", err)
	}

	s.enumerate()
	return s, nil
}

func loadTopology(path string) (*sim.Topology, error) {
	if path == "" {
		return sim.ParseTopology([]byte(defaultTopology))
	}

	return sim.LoadTopology(path)
}

// enumerate attaches every simulated router below the root. A router whose
// parent didn't attach is skipped.
func (s *session) enumerate() {
	routes := s.sim.Routes()
	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].Depth() < routes[j].Depth()
	})

	for _, route := range routes {
		if route.Depth() == 0 {
			continue
		}

		parent, err := s.f.Lookup(route.Parent())
		if err != nil {
			s.log.Warn("no parent for router", zap.Stringer("route", route), zap.Error(err))
			continue
		}

		if _, err := s.f.AttachChild(parent, route); err != nil {
			s.log.Warn("attach failed", zap.Stringer("route", route), zap.Error(err))
		}
	}
}

func (s *session) onHotplug(ev router.HotplugEvent) {
	select {
	case s.hotplug <- ev:
	default:
	}
}

// lookup finds an attached router by its route string.
func (s *session) lookup(arg string) (*router.Router, error) {
	route, err := cfgmsg.ParseRoute(arg)
	if err != nil {
		return nil, err
	}

	return s.f.Lookup(route)
}

// Close detaches the fabric and stops the simulator.
func (s *session) Close() error {
	err := s.f.Close()
	if serr := s.stop(); err == nil {
		err = serr
	}

	s.log.Sync()
	return err
}

func (s *session) stop() error {
	s.cancel()
	err := s.g.Wait()
	s.l.Close()
	return err
}
