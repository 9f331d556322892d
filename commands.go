package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/c35s/tbcfg/cfgmsg"
	"github.com/c35s/tbcfg/router"
)

// withSession runs fn against a fresh session and closes it afterwards.
func withSession(cmd *cobra.Command, v *viper.Viper, fn func(s *session) error) error {
	s, err := openSession(cmd.Context(), v, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ferr := fn(s)
	if err := s.Close(); ferr == nil {
		ferr = err
	}

	return ferr
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader(header)
	return table
}

func newTreeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "List the enumerated routers, parents first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, v, func(s *session) error {
				table := newTable(cmd.OutOrStdout(), "ROUTE", "DEPTH", "VENDOR", "DEVICE", "ADAPTERS", "UUID")
				err := s.f.Walk(func(r *router.Router) error {
					hdr := r.Header()
					table.Append([]string{
						r.Route().String(),
						strconv.Itoa(r.Depth()),
						fmt.Sprintf("%04x", hdr.VendorID),
						fmt.Sprintf("%04x", hdr.DeviceID),
						strconv.Itoa(r.MaxAdapter()),
						r.UUID().String(),
					})

					return nil
				})

				if err != nil {
					return err
				}

				table.Render()
				return nil
			})
		},
	}
}

// mode selects how a command waits for completion.
type mode string

const (
	modeBlocking = mode("blocking")
	modePolled   = mode("polled")
	modeAsync    = mode("async")
)

func (m *mode) String() string { return string(*m) }
func (m *mode) Type() string   { return "mode" }

func (m *mode) Set(s string) error {
	switch v := mode(s); v {
	case modeBlocking, modePolled, modeAsync:
		*m = v
		return nil
	}

	return fmt.Errorf("must be one of %s, %s or %s", modeBlocking, modePolled, modeAsync)
}

var _ pflag.Value = (*mode)(nil)

// target is the register address shared by read and write.
type target struct {
	space   cfgmsg.Space
	adapter int
	offset  int
}

func parseSpace(s string) (cfgmsg.Space, error) {
	for sp := cfgmsg.SpacePath; sp <= cfgmsg.SpaceCounters; sp++ {
		if sp.String() == strings.ToLower(s) {
			return sp, nil
		}
	}

	return 0, fmt.Errorf("unknown space %q", s)
}

func parseInt(what, s string) (int, error) {
	v, err := strconv.ParseInt(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q", what, s)
	}

	return int(v), nil
}

func parseTarget(args []string) (target, error) {
	var (
		t   target
		err error
	)

	if t.space, err = parseSpace(args[0]); err != nil {
		return t, err
	}

	if t.adapter, err = parseInt("adapter", args[1]); err != nil {
		return t, err
	}

	if t.offset, err = parseInt("offset", args[2]); err != nil {
		return t, err
	}

	return t, nil
}

// transfer runs one read or write in mode m.
func transfer(ctx context.Context, r *router.Router, write bool, m mode, t target, buf []uint32) error {
	switch m {
	case modePolled:
		if write {
			return r.WritePolled(t.space, t.adapter, t.offset, len(buf), buf)
		}

		return r.ReadPolled(t.space, t.adapter, t.offset, len(buf), buf)

	case modeAsync:
		done := make(chan error, 1)
		cb := func(c *router.Command, err error) { done <- err }

		var err error
		if write {
			err = r.WriteAsync(t.space, t.adapter, t.offset, len(buf), buf, cb)
		} else {
			err = r.ReadAsync(t.space, t.adapter, t.offset, len(buf), buf, cb)
		}

		if err != nil {
			return err
		}

		// async commands never time out on their own
		select {
		case err := <-done:
			return err

		case <-ctx.Done():
			return ctx.Err()
		}

	default:
		if write {
			return r.Write(t.space, t.adapter, t.offset, len(buf), buf)
		}

		return r.Read(t.space, t.adapter, t.offset, len(buf), buf)
	}
}

func newReadCmd(v *viper.Viper) *cobra.Command {
	var (
		m     = modeBlocking
		dwlen int
	)

	cmd := &cobra.Command{
		Use:   "read ROUTE SPACE ADAPTER OFFSET",
		Short: "Read double-words from a configuration space",
		Example: `  tbcfg read 0 router 0 0 --len 9
  tbcfg read 301 adapter 3 0x10 --mode polled`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTarget(args[1:])
			if err != nil {
				return err
			}

			return withSession(cmd, v, func(s *session) error {
				r, err := s.lookup(args[0])
				if err != nil {
					return err
				}

				ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration(flagTimeout))
				defer cancel()

				buf := make([]uint32, dwlen)
				if err := transfer(ctx, r, false, m, t, buf); err != nil {
					return err
				}

				for i, w := range buf {
					fmt.Fprintf(cmd.OutOrStdout(), "%#04x: %08x\n", t.offset+i, w)
				}

				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&dwlen, "len", "n", 1, "number of double-words to read")
	cmd.Flags().Var(&m, "mode", "completion mode (blocking, polled, async)")
	return cmd
}

func newWriteCmd(v *viper.Viper) *cobra.Command {
	m := modeBlocking

	cmd := &cobra.Command{
		Use:     "write ROUTE SPACE ADAPTER OFFSET VALUE...",
		Short:   "Write double-words to a configuration space",
		Example: `  tbcfg write 1 router 0 0x40 0xdeadbeef 0x1`,
		Args:    cobra.MinimumNArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTarget(args[1:4])
			if err != nil {
				return err
			}

			buf := make([]uint32, 0, len(args)-4)
			for _, a := range args[4:] {
				w, err := strconv.ParseUint(a, 0, 32)
				if err != nil {
					return fmt.Errorf("bad value %q", a)
				}

				buf = append(buf, uint32(w))
			}

			return withSession(cmd, v, func(s *session) error {
				r, err := s.lookup(args[0])
				if err != nil {
					return err
				}

				ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration(flagTimeout))
				defer cancel()

				return transfer(ctx, r, true, m, t, buf)
			})
		},
	}

	cmd.Flags().Var(&m, "mode", "completion mode (blocking, polled, async)")
	return cmd
}

func newCapsCmd(v *viper.Viper) *cobra.Command {
	var (
		space   string
		adapter int
	)

	cmd := &cobra.Command{
		Use:   "caps ROUTE",
		Short: "List a router's capability chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sp, err := parseSpace(space)
			if err != nil {
				return err
			}

			return withSession(cmd, v, func(s *session) error {
				r, err := s.lookup(args[0])
				if err != nil {
					return err
				}

				caps, err := r.Caps(sp, adapter)
				if err != nil {
					return err
				}

				table := newTable(cmd.OutOrStdout(), "OFFSET", "ID", "VSC", "LEN", "NEXT")
				for _, c := range caps {
					vsc, length := "", ""
					switch {
					case c.IsVSEC():
						vsc, length = fmt.Sprintf("%#02x", c.VSCID), strconv.Itoa(int(c.VSECLen))

					case c.ID == cfgmsg.CapVSC:
						vsc, length = fmt.Sprintf("%#02x", c.VSCID), strconv.Itoa(int(c.VSCLen))
					}

					table.Append([]string{
						fmt.Sprintf("%#04x", c.Offset),
						fmt.Sprintf("%#02x", c.ID),
						vsc,
						length,
						fmt.Sprintf("%#04x", c.Next),
					})
				}

				table.Render()
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&space, "space", "router", "configuration space (router or adapter)")
	cmd.Flags().IntVar(&adapter, "adapter", 0, "adapter whose chain to list")
	return cmd
}

func newHotplugCmd(v *viper.Viper) *cobra.Command {
	var unplug bool

	cmd := &cobra.Command{
		Use:   "hotplug ROUTE ADAPTER",
		Short: "Raise a hotplug event and wait for the host to see it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			route, err := cfgmsg.ParseRoute(args[0])
			if err != nil {
				return err
			}

			adapter, err := parseInt("adapter", args[1])
			if err != nil {
				return err
			}

			return withSession(cmd, v, func(s *session) error {
				raise := s.sim.Plug
				if unplug {
					raise = s.sim.Unplug
				}

				if err := raise(route, adapter); err != nil {
					return err
				}

				select {
				case ev := <-s.hotplug:
					what := "plug"
					if ev.Unplug {
						what = "unplug"
					}

					fmt.Fprintf(cmd.OutOrStdout(), "%v adapter %d: %s\n", ev.Route, ev.Adapter, what)
					return nil

				case <-time.After(v.GetDuration(flagTimeout)):
					return fmt.Errorf("%w: no hotplug event", router.ErrTimeout)
				}
			})
		},
	}

	cmd.Flags().BoolVar(&unplug, "unplug", false, "raise an unplug instead of a plug")
	return cmd
}

func newSuspendCmd(v *viper.Viper) *cobra.Command {
	var resume bool

	cmd := &cobra.Command{
		Use:   "suspend ROUTE",
		Short: "Put a router to sleep",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, v, func(s *session) error {
				r, err := s.lookup(args[0])
				if err != nil {
					return err
				}

				if err := r.Suspend(); err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%v: suspended\n", r.Route())
				if !resume {
					return nil
				}

				if err := r.Resume(); err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%v: resumed\n", r.Route())
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&resume, "resume", false, "resume the router afterwards")
	return cmd
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Enumerate the fabric and export its metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := v.GetString(flagMetricsAddr)
			if addr == "" {
				return fmt.Errorf("--%s is required", flagMetricsAddr)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withSession(cmd, v, func(s *session) error {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))

				ln, err := net.Listen("tcp", addr)
				if err != nil {
					return err
				}

				srv := &http.Server{Handler: mux}
				s.log.Info("exporting metrics", zap.Stringer("addr", ln.Addr()))

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
						return err
					}

					return nil
				})

				g.Go(func() error {
					<-ctx.Done()
					return srv.Close()
				})

				return g.Wait()
			})
		},
	}
}
