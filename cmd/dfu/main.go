package main

import "github.com/OpenTraceLab/OpenTraceDFU/cmd/dfu/cmd"

func main() {
	cmd.Execute()
}
