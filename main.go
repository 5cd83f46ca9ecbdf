package main

import "deliveryinsight/internal/cli"

func main() {
	cli.Execute()
}
