// Package builtin registers the plugins shipped with the service.
package builtin

import (
	"errors"

	"cvmfsreplica/internal/plugin"
	"cvmfsreplica/internal/plugin/builtin/cleanup"
	"cvmfsreplica/internal/plugin/builtin/diskspace"
	"cvmfsreplica/internal/plugin/builtin/email"
	"cvmfsreplica/internal/plugin/builtin/updatedserver"
)

// Register adds every builtin plugin to r.
func Register(r *plugin.Registry) error {
	return errors.Join(
		r.RegisterAcceptance(diskspace.Name, diskspace.New),
		r.RegisterAcceptance(updatedserver.Name, updatedserver.New),
		r.RegisterReport(email.Name, email.New),
		r.RegisterPost(cleanup.Name, cleanup.New),
	)
}
