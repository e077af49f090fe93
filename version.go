package go_adminconsole

import (
	"fmt"
	"runtime"
)

var version string

func VersionNumberString() string {
	if len(version) > 0 {
		return version
	}

	return "dev"
}

func VersionString() string {
	return fmt.Sprintf("go-adminconsole %s", VersionNumberString())
}

func SystemInfoString() string {
	return fmt.Sprintf("%s; Go %s (%s %s)", VersionString(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func UserAgent() string {
	return fmt.Sprintf("go-adminconsole/%s Go/%s", VersionNumberString(), runtime.Version())
}
