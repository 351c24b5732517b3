// Command authplugin drives an auth plugin from the host side: it starts the
// plugin, unlocks it, and asks it for keys and signatures.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
