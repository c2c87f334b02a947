package main

import (
	"os"

	"github.com/blacktop/doh/cmd"
	"github.com/blacktop/doh/internal/logutil"
)

func main() {
	if err := cmd.Execute(); err != nil {
		logutil.Errorf("%v", err)
		os.Exit(1)
	}
}
