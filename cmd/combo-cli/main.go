// combo-cli -- development harness for the Combo pump driver.
package main

import (
	"fmt"
	"os"

	"github.com/accu-chek/combodriver/cmd/combo-cli/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
