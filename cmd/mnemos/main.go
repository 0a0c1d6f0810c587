package main

import "mnemos/cmd/cmd"

func main() {
	cmd.Execute()
}
