package main

import "github.com/eafonin/nessus-api-sub002/services/gateway/cli"

func main() {
	cli.Execute()
}
