package main

import "os"

func main() {
	err := NewRootCmd().Execute()
	// PersistentPostRun is skipped when a command fails
	closeComponents()
	if err != nil {
		os.Exit(1)
	}
}
