package main

import "github.com/ghyeongl/jobstream/cmd"

func main() {
	cmd.Execute()
}
