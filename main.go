// The main package for the archiver executable.
package main

import (
	"os"

	"github.com/atlosdotorg/atlos/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
