package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/c35s/tbcfg/cfgmsg"
	"github.com/c35s/tbcfg/nhi"
	"github.com/c35s/tbcfg/router"
	"github.com/c35s/tbcfg/sim"
)

func main() {
	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}

	defer log.Sync()

	l := nhi.NewLoopback(nhi.LoopbackConfig{})
	defer l.Close()

	sf, err := sim.New(l, sim.Config{
		Routers: []sim.RouterConfig{
			{Route: "0", Vendor: 0x8086, Device: 0x1137},
			{Route: "1", Vendor: 0x8086, Device: 0x15ef, Upstream: 1},
		},
	})

	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sf.Serve(ctx) })

	defer func() {
		cancel()
		if err := g.Wait(); err != nil {
			panic(err)
		}
	}()

	f, err := router.AttachRoot(l, 0, router.Config{Logger: log})
	if err != nil {
		panic(err)
	}

	defer f.Close()

	dev, err := f.AttachChild(f.Root(), 0x1)
	if err != nil {
		panic(err)
	}

	var cs [cfgmsg.RouterHeaderLen]uint32
	if err := dev.Read(cfgmsg.SpaceRouter, 0, cfgmsg.RouterCS0, len(cs), cs[:]); err != nil {
		panic(err)
	}

	hdr, err := cfgmsg.ParseRouterHeader(cs[:])
	if err != nil {
		panic(err)
	}

	fmt.Printf("%v: %04x:%04x, %d adapters\n", dev.Route(), hdr.VendorID, hdr.DeviceID, hdr.MaxAdapter)

	off, err := dev.FindRouterVSEC(cfgmsg.VSCLinkController)
	if err != nil {
		panic(err)
	}

	fmt.Printf("link controller at %#x\n", off)
}
