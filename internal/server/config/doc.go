// Package config defines the lockmesh-node configuration structure.
//
// The structure is filled by confloader from a YAML file and LOCKMESH_
// environment variables, then checked by Verify. The helpers in
// cluster.go turn a verified NodeConfig into the component configs the
// node wires together.
package config
