package main

import "github.com/jmehdipour/licensing-gateway/cmd"

func main() {
	cmd.Execute()
}
