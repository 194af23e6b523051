package main

import "github.com/eafonin/nessus-api-sub002/services/janitor/cli"

func main() {
	cli.Execute()
}
