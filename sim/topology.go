package sim

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/c35s/tbcfg/cfgmsg"
)

// Topology lists the routers of a simulated fabric.
type Topology struct {
	Routers []RouterConfig `toml:"router"`
}

// RouterConfig describes a simulated router.
type RouterConfig struct {

	// Route is the router's route string in hex.
	Route string `toml:"route"`

	Vendor   uint16 `toml:"vendor"`
	Device   uint16 `toml:"device"`
	Revision uint8  `toml:"revision"`

	// MaxAdapter is the router's highest adapter index.
	// If MaxAdapter is 0, the router has 8 adapters.
	MaxAdapter int `toml:"max_adapter"`

	// Upstream is the adapter facing the root.
	Upstream int `toml:"upstream"`

	UUID uint64 `toml:"uuid"`

	// SleepReadyAfter is the number of ROUTER_CS_6 reads after sleep is
	// requested before the sleep ready bit is set. If it is negative, the
	// router never becomes sleep ready.
	SleepReadyAfter int `toml:"sleep_ready_after"`

	// Caps is the router space capability chain, in chain order.
	// If Caps is nil, the router gets DefaultRouterCaps.
	Caps []CapConfig `toml:"cap"`

	// AdapterCaps is the capability chain of every adapter.
	// If AdapterCaps is nil, adapters get DefaultAdapterCaps.
	AdapterCaps []CapConfig `toml:"adapter_cap"`
}

// CapConfig places one capability.
type CapConfig struct {
	Offset int   `toml:"offset"`
	ID     uint8 `toml:"id"`
	VSC    uint8 `toml:"vsc"`

	// Len is the capability's length in double-words. Vendor specific
	// capabilities carry it in their header.
	Len int `toml:"len"`

	// Extended makes a vendor specific capability use the long (VSEC) header.
	Extended bool `toml:"extended"`
}

var (
	DefaultRouterCaps = []CapConfig{
		{Offset: 0x10, ID: cfgmsg.CapTMU},
		{Offset: 0x20, ID: cfgmsg.CapVSC, VSC: 0x01, Len: 4},
		{Offset: 0x30, ID: cfgmsg.CapVSC, VSC: cfgmsg.VSCLinkController, Len: 0x20, Extended: true},
	}

	DefaultAdapterCaps = []CapConfig{
		{Offset: 0x10, ID: cfgmsg.CapPHY},
		{Offset: 0x20, ID: cfgmsg.CapAdapter},
		{Offset: 0x30, ID: cfgmsg.CapVSC, VSC: 0x02, Len: 4},
	}
)

// ParseTopology decodes a TOML topology.
func ParseTopology(b []byte) (*Topology, error) {
	var t Topology
	if err := toml.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("sim: parse topology: %w", err)
	}

	for i, rc := range t.Routers {
		if _, err := rc.route(); err != nil {
			return nil, fmt.Errorf("sim: router %d: %w", i, err)
		}
	}

	return &t, nil
}

// LoadTopology reads a TOML topology from a file.
func LoadTopology(path string) (*Topology, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ParseTopology(b)
}

func (rc RouterConfig) route() (cfgmsg.Route, error) {
	if rc.Route == "" {
		return 0, nil
	}

	return cfgmsg.ParseRoute(rc.Route)
}

func (rc RouterConfig) withDefaults() RouterConfig {
	if rc.MaxAdapter == 0 {
		rc.MaxAdapter = 8
	}

	if rc.Caps == nil {
		rc.Caps = DefaultRouterCaps
	}

	if rc.AdapterCaps == nil {
		rc.AdapterCaps = DefaultAdapterCaps
	}

	return rc
}

func (rc RouterConfig) validate() error {
	if rc.MaxAdapter < 0 || rc.MaxAdapter > cfgmsg.MaxAdapter {
		return fmt.Errorf("max adapter %d out of range", rc.MaxAdapter)
	}

	if rc.Upstream < 0 || rc.Upstream > rc.MaxAdapter {
		return fmt.Errorf("upstream adapter %d out of range", rc.Upstream)
	}

	for _, chain := range [][]CapConfig{rc.Caps, rc.AdapterCaps} {
		if head(chain) > 0xff {
			return fmt.Errorf("first capability at %#x is beyond the header's reach", head(chain))
		}

		for i, c := range chain {
			if c.Offset < cfgmsg.RouterHeaderLen || c.Offset+1 > cfgmsg.CapOffsetMax {
				return fmt.Errorf("capability %#x at bad offset %#x", c.ID, c.Offset)
			}

			if c.ID == cfgmsg.CapVSC && !c.Extended && (c.Len <= 0 || c.Len > 0xff) {
				return fmt.Errorf("vendor capability at %#x has bad length %d", c.Offset, c.Len)
			}

			extended := c.ID == cfgmsg.CapVSC && c.Extended
			if i+1 < len(chain) && chain[i+1].Offset > 0xff && !extended {
				return fmt.Errorf("capability at %#x can't reach %#x", c.Offset, chain[i+1].Offset)
			}
		}
	}

	return nil
}

// chain returns the words of a capability chain keyed by offset.
func chain(caps []CapConfig) map[int]uint32 {
	regs := make(map[int]uint32)
	for i, c := range caps {
		next := 0
		if i+1 < len(caps) {
			next = caps[i+1].Offset
		}

		h := cfgmsg.CapHeader{Next: next, ID: c.ID}
		if c.ID == cfgmsg.CapVSC {
			h.VSCID = c.VSC
			if c.Extended {
				h.VSECLen = uint16(c.Len)
			} else {
				h.VSCLen = uint8(c.Len)
			}
		}

		for j, w := range h.Words() {
			regs[c.Offset+j] = w
		}
	}

	return regs
}

// head returns the offset of a chain's first capability, or 0.
func head(caps []CapConfig) int {
	if len(caps) == 0 {
		return 0
	}

	return caps[0].Offset
}
