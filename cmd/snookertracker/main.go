package main

import "github.com/bryanchriswhite/SnookerTracker/cmd/snookertracker/commands"

func main() {
	commands.Execute()
}
