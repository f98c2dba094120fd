package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/wardenhq/warden/apps/wardenctl/cmd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "wardenctl crashed: %v\n", r)
			if os.Getenv("WARDEN_DEBUG") != "" {
				debug.PrintStack()
			}
			os.Exit(2)
		}
	}()

	cmd.Execute()
}
