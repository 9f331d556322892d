package router_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c35s/tbcfg/cfgmsg"
	"github.com/c35s/tbcfg/router"
	"github.com/c35s/tbcfg/sim"
)

func TestSuspendResume(t *testing.T) {
	tf := newFabric(t, sim.Config{
		Routers: []sim.RouterConfig{{Route: "0", SleepReadyAfter: 2}},
	}, router.Config{SleepReadyWait: time.Millisecond})
	root := tf.Root()

	require.NoError(t, tf.sim.SetReg(0, cfgmsg.SpaceRouter, 0, cfgmsg.RouterCS5, cfgmsg.RouterWOP|cfgmsg.RouterWOD|0x100))

	require.NoError(t, root.Suspend())
	assert.True(t, root.Suspended())

	cs5, _ := tf.sim.Reg(0, cfgmsg.SpaceRouter, 0, cfgmsg.RouterCS5)
	assert.Equal(t, uint32(cfgmsg.RouterSLP|cfgmsg.RouterWOU|0x100), cs5)

	// suspending again touches nothing
	n := tf.sim.Requests()
	require.NoError(t, root.Suspend())
	assert.Equal(t, n, tf.sim.Requests())

	require.NoError(t, root.Resume())
	assert.False(t, root.Suspended())
	require.NoError(t, root.Resume())
	assert.False(t, root.Suspended())
}

func TestSuspendNeverReady(t *testing.T) {
	tf := newFabric(t, sim.Config{
		Routers: []sim.RouterConfig{{Route: "0", SleepReadyAfter: -1}},
	}, router.Config{
		SleepReadyWait:     time.Millisecond,
		SleepReadyAttempts: 3,
	})

	err := tf.Root().Suspend()
	assert.ErrorIs(t, err, router.ErrTimeout)
	assert.False(t, tf.Root().Suspended())
}

func TestSuspendAttempts(t *testing.T) {
	tests := []struct {
		name  string
		after int
		want  error
	}{
		{"ready on the last check", 2, nil},
		{"ready one check too late", 3, router.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tf := newFabric(t, sim.Config{
				Routers: []sim.RouterConfig{{Route: "0", SleepReadyAfter: tt.after}},
			}, router.Config{
				SleepReadyWait:     time.Millisecond,
				SleepReadyAttempts: 2,
			})

			n := tf.sim.Requests()
			err := tf.Root().Suspend()
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
				assert.False(t, tf.Root().Suspended())
			} else {
				require.NoError(t, err)
				assert.True(t, tf.Root().Suspended())
			}

			// read and write ROUTER_CS_5, then three ROUTER_CS_6 reads
			assert.Equal(t, n+5, tf.sim.Requests())
		})
	}
}
