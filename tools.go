//go:build tools

// Package vpcd pins the development tools used by `go generate` and the
// formatting hooks so `go mod tidy` keeps them in go.mod.
package vpcd

import (
	_ "golang.org/x/tools/cmd/goimports"
)
