// The main package for the keypick-gateway executable.
package main

import (
	"github.com/JakeFAU/keypick-gateway/cmd"
)

func main() {
	cmd.Execute()
}
