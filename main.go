package main

import "github.com/ankane/mapcloud/cmd"

func main() {
	cmd.Execute()
}
