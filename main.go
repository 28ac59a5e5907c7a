package main

import "example.com/fleetware/services/rollout/cmd"

func main() {
	cmd.Execute()
}
