package main

import "github.com/edgeflare/carebus/cmd/carebus"

func main() {
	carebus.Main()
}
