package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
)

// ReplicationInfo is the result of a successful replication probe.
type ReplicationInfo struct {
	SystemID      string
	Timeline      int32
	XLogPos       pglogrepl.LSN
	ServerVersion string
}

// ProbeReplication opens a physical replication connection and identifies
// the system. A failure here means the server does not accept replication
// connections for this role; callers treat it as "unknown", not as a
// broken server.
func ProbeReplication(ctx context.Context, conninfo string) (*ReplicationInfo, error) {
	cfg, err := pgconn.ParseConfig(conninfo)
	if err != nil {
		return nil, fmt.Errorf("parse streaming conninfo: %w", err)
	}
	cfg.RuntimeParams["replication"] = "true"

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, &ConnectivityError{Cause: err}
	}
	defer func() { _ = conn.Close(ctx) }()

	ident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("identify system: %w", err)
	}
	return &ReplicationInfo{
		SystemID:      ident.SystemID,
		Timeline:      ident.Timeline,
		XLogPos:       ident.XLogPos,
		ServerVersion: conn.ParameterStatus("server_version"),
	}, nil
}
