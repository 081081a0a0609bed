// Package connection is the admin API client used by the lockmesh-node
// inspection commands.
package connection
