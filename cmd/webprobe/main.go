package main

import (
	"os"

	"github.com/karthikkolli/webprobe-sub001/internal/commands"
)

// Version is set at build time via -ldflags "-X main.Version=X.Y.Z".
var Version = "0.0.0-dev"

func main() {
	os.Exit(commands.Execute(Version, os.Args[1:]))
}
