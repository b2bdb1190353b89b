package main

import "github.com/api3dao/airnode-go/cmd"

func main() {
	cmd.Execute()
}
