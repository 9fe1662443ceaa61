// Package main implements a small CLI that drives an in-process mesh of
// routing engines to demonstrate subscribe/publish/heartbeat behavior
// without any real transport.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "--version", "-v":
		fmt.Println("gossipsubd", version)
	case "help", "--help", "-h":
		printUsage()
	case "demo":
		if err := runDemo(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`gossipsubd - in-process GossipSub routing demo

Usage:
  gossipsubd demo      run a small in-memory mesh and publish a message
  gossipsubd version   print the build version
  gossipsubd help      print this message`)
}
