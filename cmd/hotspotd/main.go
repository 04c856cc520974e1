package main

import (
	_ "time/tzdata"

	"firms-hotspot-alerts/internal/cli"
)

func main() {
	cli.Execute()
}
