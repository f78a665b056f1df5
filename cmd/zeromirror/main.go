package main

import (
	"fmt"
	"os"

	"zeromirror"
)

func main() {
	if err := zeromirror.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
