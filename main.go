package main

import (
	_ "time/tzdata" // embed IANA timezone database for containers without tzdata

	"github.com/lemonforge/runsched/cmd"
)

func main() {
	cmd.Execute()
}
