// The main package for the harvester executable.
package main

import "github.com/JakeFAU/realtime-cpi-harvester/cmd"

func main() {
	cmd.Execute()
}
