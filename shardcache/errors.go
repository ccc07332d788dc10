package shardcache

import (
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/placement"
)

// Info keys attached to staleness errors.
const (
	InfoNS       = "ns"
	InfoShard    = "shard"
	InfoDB       = "db"
	InfoReceived = "received"
	InfoWanted   = "wanted"
)

// StaleConfigError reports that a request's shard version does not match
// the shard's. wanted is the version the shard holds.
func StaleConfigError(ns, shard string, received, wanted placement.Version) error {
	return errs.Newf(errs.StaleConfig, "%s: received %s, wanted %s", ns, received, wanted).
		WithInfo(InfoNS, ns).
		WithInfo(InfoShard, shard).
		WithInfo(InfoReceived, received).
		WithInfo(InfoWanted, wanted)
}

// StaleDbVersionError reports a database version mismatch.
func StaleDbVersionError(name string, received, wanted placement.DatabaseVersion) error {
	return errs.Newf(errs.StaleDbVersion, "%s: received %s, wanted %s", name, received, wanted).
		WithInfo(InfoDB, name).
		WithInfo(InfoReceived, received).
		WithInfo(InfoWanted, wanted)
}

// WantedVersion extracts the shard's version from a StaleConfig error.
func WantedVersion(err error) (placement.Version, bool) {
	v, ok := errs.InfoOf(err, InfoWanted)
	if !ok {
		return placement.Version{}, false
	}
	ver, ok := v.(placement.Version)
	return ver, ok
}

// StaleNamespace extracts the namespace a StaleConfig error refers to.
func StaleNamespace(err error) (string, bool) {
	v, ok := errs.InfoOf(err, InfoNS)
	if !ok {
		return "", false
	}
	ns, ok := v.(string)
	return ns, ok
}
