package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pilab-dev/tenant-sso/cmd/ssoctl/cmd"
)

func main() {
	if err := cmd.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
