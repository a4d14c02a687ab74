//go:build !unix

package service

import "syscall"

func signalName(sig syscall.Signal) string {
	return sig.String()
}
