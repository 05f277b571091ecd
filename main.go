package main

import "github.com/shawkym/roombot/cmd"

func main() {
	cmd.Execute()
}
