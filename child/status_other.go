//go:build !unix

package child

import "os"

func signalName(*os.ProcessState) string { return "" }
