package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/psantana5/fortress/cmd/fortress/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		var ec *cmd.ExitCodeError
		if errors.As(err, &ec) {
			if ec.Err != nil {
				fmt.Fprintln(os.Stderr, "Error:", ec.Err)
			}
			os.Exit(ec.Code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
