// Command cloudcached mounts a cloud-backed block device cache: a logical
// byte-addressable volume backed by an object-store frontend, fronted by a
// transactional local cache that batches dirty blocks into checkpoints.
package main

import (
	"fmt"
	"os"

	"github.com/marmos91/cloudcached/cmd/cloudcached/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
