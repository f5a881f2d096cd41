// The main package for the prober executable.
package main

import (
	"os"

	"github.com/JakeFAU/availability-prober/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
