package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/quantfold/btq/cmd/btqctl/cmd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "btqctl crashed: %v\n", r)
			if os.Getenv("BTQ_DEBUG") != "" {
				debug.PrintStack()
			}
			os.Exit(2)
		}
	}()

	cmd.Execute()
}
