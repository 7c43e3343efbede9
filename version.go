package go_castkit

import (
	"fmt"
	"runtime"
)

var version = "dev"

func VersionNumberString() string {
	return version
}

func VersionString() string {
	return fmt.Sprintf("go-castkit %s", VersionNumberString())
}

func SystemInfoString() string {
	return fmt.Sprintf("%s; Go %s (%s/%s)", VersionString(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// UserAgent is sent on every HTTP and websocket request made towards a device.
func UserAgent() string {
	return fmt.Sprintf("go-castkit/%s Go/%s", VersionNumberString(), runtime.Version())
}
