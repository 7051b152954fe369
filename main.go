package main

import "jcameracontrol/cmd"

// Version information - set by linker flags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GoVersion = "unknown"
)

func main() {
	cmd.Execute(cmd.BuildInfo{Version: Version, BuildTime: BuildTime, GoVersion: GoVersion})
}
