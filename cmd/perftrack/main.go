package main

import (
	"context"
	"fmt"
	"os"
)

const appName = "perftrack"

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
