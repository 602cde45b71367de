package util

import (
	"fmt"
)

var (
	VERSION_NUMBER = fmt.Sprintf("%.02f", 0.10)
	COMMIT         = ""
)

func Version() string {
	return VERSION_NUMBER + " " + COMMIT
}
