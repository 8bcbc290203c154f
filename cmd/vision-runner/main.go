package main

import "github.com/devicelab-dev/vision-runner/pkg/cli"

func main() {
	cli.Execute()
}
