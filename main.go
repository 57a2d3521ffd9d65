package main

import "github.com/mpapenbr/iracing-equanimity-paint/cmd"

func main() {
	cmd.Execute()
}
