package main

import (
	"tenantgate/cmd"
	"tenantgate/internal/app"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cmd.SetVersion(version)
	app.Version = version
	cmd.Execute()
}
