// Package buildinfo reports the lockmesh-node build.
//
// Version, Commit and BuildTime are injected with ldflags:
//
//	go build -ldflags "-X github.com/yndnr/lockmesh-go/internal/infra/buildinfo.Version=v0.3.0" ./cmd/lockmesh-node
//
// When they are not set the VCS stamp embedded by the Go toolchain is used.
package buildinfo
