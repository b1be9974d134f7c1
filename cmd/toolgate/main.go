package main

import "github.com/Sentinel-Gate/toolgate/cmd/toolgate/cmd"

func main() {
	cmd.Execute()
}
