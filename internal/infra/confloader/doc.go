// Package confloader loads lockmesh-node configuration with koanf.
//
// Sources, lowest priority first:
//
//  1. Defaults already present in the target struct
//  2. A YAML file
//  3. LOCKMESH_ environment variables
//  4. Overrides passed by the caller (command-line flags)
//
// Environment variables name a section and a key separated by the first
// underscore: LOCKMESH_TRANSPORT_IDLE_TIMEOUT sets transport.idle_timeout.
//
// Watcher reports changes to the config file so the node can reload the
// settings that may change at runtime.
package confloader
