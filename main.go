// Command clipvault runs the media acquisition pipeline.
package main

import (
	"github.com/JakeFAU/clipvault/cmd"
)

func main() {
	cmd.Execute()
}
