package main

import "github.com/example/style-transfer/cmd"

func main() {
	cmd.Execute()
}
