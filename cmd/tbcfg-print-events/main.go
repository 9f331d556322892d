// tbcfg-print-events prints the notification codes and configuration spaces
// the control plane understands.
package main

import (
	"fmt"

	"github.com/c35s/tbcfg/cfgmsg"
)

func main() {
	fmt.Println("# events")
	for code := 0; code <= 0x3f; code++ {
		ev := cfgmsg.Event(code)
		if !ev.IsError() {
			continue
		}

		fmt.Printf("%#02x: %v\n", code, ev)
	}

	fmt.Println("\n# spaces")
	for sp := cfgmsg.SpacePath; sp <= cfgmsg.SpaceCounters; sp++ {
		fmt.Printf("%d: %v\n", sp, sp)
	}

	fmt.Println("\n# limits")
	fmt.Printf("max offset: %#x\n", cfgmsg.MaxOffset)
	fmt.Printf("max length: %d dwords\n", cfgmsg.MaxDWLen)
	fmt.Printf("max adapter: %d\n", cfgmsg.MaxAdapter)
	fmt.Printf("max depth: %d\n", cfgmsg.MaxDepth)
}
