package main

import "github.com/eafonin/nessus-api-sub002/services/worker/cli"

func main() {
	cli.Execute()
}
