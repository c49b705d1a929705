// Muster is an incident correlation and deduplication engine.
//
// It decides whether an incoming incident is a repeat of something already
// known and whether it relates to other currently-open incidents, maintaining
// evolving correlation groups under concurrent load.
package main

import (
	"github.com/Studio-Elephant-and-Rope/muster/internal/cmd"
)

func main() {
	cmd.Execute()
}
