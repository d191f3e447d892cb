package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rqlite/gorqlite"
	"github.com/rs/zerolog/log"
)

// RqliteStore reads sweep images from an rqlite cluster.
type RqliteStore struct {
	conn *gorqlite.Connection
}

// NewRqliteStore connects to dbURI and creates the schema if needed.
func NewRqliteStore(dbURI string) (*RqliteStore, error) {
	log.Info().Str("dbURI", dbURI).Msg("Initializing PA store with rqlite")

	// Connect to rqlite
	conn, err := gorqlite.Open(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rqlite: %w", err)
	}

	s := &RqliteStore{conn: conn}

	if err := s.initializeSchema(); err != nil {
		// Close connection if initialization fails
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initializeSchema creates the image, group and port tables if they don't exist
func (s *RqliteStore) initializeSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS pa_images (
			image_num INTEGER PRIMARY KEY,
			sweep_start TEXT NOT NULL,
			sweep_duration_us INTEGER NOT NULL,
			num_hfi_ports INTEGER NOT NULL,
			num_switch_nodes INTEGER NOT NULL,
			num_switch_ports INTEGER NOT NULL,
			num_links INTEGER NOT NULL,
			num_sms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS pa_groups (
			image_num INTEGER NOT NULL,
			name TEXT NOT NULL,
			num_internal_ports INTEGER NOT NULL,
			num_external_ports INTEGER NOT NULL,
			total_xmit_mb INTEGER NOT NULL,
			total_rcv_mb INTEGER NOT NULL,
			max_util_pct10 INTEGER NOT NULL,
			PRIMARY KEY (image_num, name)
		);`,
		`CREATE TABLE IF NOT EXISTS pa_port_counters (
			image_num INTEGER NOT NULL,
			lid INTEGER NOT NULL,
			port INTEGER NOT NULL,
			xmit_data INTEGER NOT NULL,
			rcv_data INTEGER NOT NULL,
			xmit_pkts INTEGER NOT NULL,
			rcv_pkts INTEGER NOT NULL,
			mc_xmit_pkts INTEGER NOT NULL,
			mc_rcv_pkts INTEGER NOT NULL,
			symbol_errors INTEGER NOT NULL,
			link_error_recovery INTEGER NOT NULL,
			link_downed INTEGER NOT NULL,
			rcv_errors INTEGER NOT NULL,
			xmit_discards INTEGER NOT NULL,
			xmit_wait INTEGER NOT NULL,
			PRIMARY KEY (image_num, lid, port)
		);`,
	}

	// Execute schema creation
	if _, err := s.conn.Write(statements); err != nil {
		return fmt.Errorf("failed to create PA tables: %w", err)
	}
	return nil
}

// Close closes the store
func (s *RqliteStore) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}

// PutImage writes a full image in one batch, replacing any previous rows.
func (s *RqliteStore) PutImage(ctx context.Context, img Image) error {
	info := img.Info
	log.Info().
		Uint64("image", info.ImageNum).
		Int("groups", len(img.Groups)).
		Int("ports", len(img.Ports)).
		Msg("Storing PA image")

	stmts := []gorqlite.ParameterizedStatement{
		{
			Query: `INSERT OR REPLACE INTO pa_images
			(image_num, sweep_start, sweep_duration_us, num_hfi_ports, num_switch_nodes, num_switch_ports, num_links, num_sms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
			Arguments: []interface{}{
				int64(info.ImageNum),
				info.SweepStart.UTC().Format(time.RFC3339),
				info.SweepDuration.Microseconds(),
				int64(info.NumHFIPorts),
				int64(info.NumSwitchNodes),
				int64(info.NumSwitchPorts),
				int64(info.NumLinks),
				int64(info.NumSMs),
			},
		},
	}
	for _, g := range img.Groups {
		stmts = append(stmts, gorqlite.ParameterizedStatement{
			Query: `INSERT OR REPLACE INTO pa_groups
			(image_num, name, num_internal_ports, num_external_ports, total_xmit_mb, total_rcv_mb, max_util_pct10)
			VALUES (?, ?, ?, ?, ?, ?, ?);`,
			Arguments: []interface{}{
				int64(info.ImageNum), g.Name,
				int64(g.NumInternalPorts), int64(g.NumExternalPorts),
				int64(g.TotalXmitMB), int64(g.TotalRcvMB), int64(g.MaxUtilPct10),
			},
		})
	}
	for _, p := range img.Ports {
		stmts = append(stmts, gorqlite.ParameterizedStatement{
			Query: `INSERT OR REPLACE INTO pa_port_counters
			(image_num, lid, port, xmit_data, rcv_data, xmit_pkts, rcv_pkts, mc_xmit_pkts, mc_rcv_pkts,
			 symbol_errors, link_error_recovery, link_downed, rcv_errors, xmit_discards, xmit_wait)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			Arguments: []interface{}{
				int64(info.ImageNum), int64(p.LID), int64(p.Port),
				int64(p.XmitData), int64(p.RcvData), int64(p.XmitPkts), int64(p.RcvPkts),
				int64(p.MulticastXmitPkts), int64(p.MulticastRcvPkts),
				int64(p.SymbolErrors), int64(p.LinkErrorRecovery), int64(p.LinkDowned),
				int64(p.RcvErrors), int64(p.XmitDiscards), int64(p.XmitWait),
			},
		})
	}

	if _, err := s.conn.WriteParameterized(stmts); err != nil {
		return fmt.Errorf("failed to store image %d: %w", info.ImageNum, err)
	}
	return nil
}

// resolveImage maps LatestImage to the newest stored image number.
func (s *RqliteStore) resolveImage(imageNum uint64) (uint64, error) {
	if imageNum != LatestImage {
		return imageNum, nil
	}

	result, err := s.conn.QueryOne(`SELECT image_num FROM pa_images ORDER BY image_num DESC LIMIT 1;`)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest image: %w", err)
	}
	if !result.Next() {
		return 0, fmt.Errorf("latest image: %w", ErrNoImage)
	}
	var num int64
	if err := result.Scan(&num); err != nil {
		return 0, fmt.Errorf("failed to scan row: %w", err)
	}
	return uint64(num), nil
}

func (s *RqliteStore) ImageInfo(ctx context.Context, imageNum uint64) (*ImageInfo, error) {
	num, err := s.resolveImage(imageNum)
	if err != nil {
		return nil, err
	}

	stmt := gorqlite.ParameterizedStatement{
		Query: `SELECT sweep_start, sweep_duration_us, num_hfi_ports, num_switch_nodes, num_switch_ports, num_links, num_sms
		FROM pa_images WHERE image_num = ? LIMIT 1;`,
		Arguments: []interface{}{int64(num)},
	}
	result, err := s.conn.QueryOneParameterized(stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to query image info: %w", err)
	}
	if !result.Next() {
		return nil, fmt.Errorf("image %d: %w", num, ErrNoImage)
	}

	var start string
	var durationUS, hfis, switches, switchPorts, links, sms int64
	if err := result.Scan(&start, &durationUS, &hfis, &switches, &switchPorts, &links, &sms); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	sweepStart, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep start %q: %w", start, err)
	}

	return &ImageInfo{
		ImageNum:       num,
		SweepStart:     sweepStart,
		SweepDuration:  time.Duration(durationUS) * time.Microsecond,
		NumHFIPorts:    uint32(hfis),
		NumSwitchNodes: uint32(switches),
		NumSwitchPorts: uint32(switchPorts),
		NumLinks:       uint32(links),
		NumSMs:         uint32(sms),
	}, nil
}

func (s *RqliteStore) GroupNames(ctx context.Context, imageNum uint64) ([]string, error) {
	num, err := s.resolveImage(imageNum)
	if err != nil {
		return nil, err
	}

	stmt := gorqlite.ParameterizedStatement{
		Query:     `SELECT name FROM pa_groups WHERE image_num = ? ORDER BY name;`,
		Arguments: []interface{}{int64(num)},
	}
	result, err := s.conn.QueryOneParameterized(stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to query group names: %w", err)
	}

	var names []string
	for result.Next() {
		var name string
		if err := result.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		names = append(names, name)
	}
	return names, nil
}

func (s *RqliteStore) GroupInfo(ctx context.Context, imageNum uint64, name string) (*GroupInfo, error) {
	num, err := s.resolveImage(imageNum)
	if err != nil {
		return nil, err
	}

	stmt := gorqlite.ParameterizedStatement{
		Query: `SELECT num_internal_ports, num_external_ports, total_xmit_mb, total_rcv_mb, max_util_pct10
		FROM pa_groups WHERE image_num = ? AND name = ? LIMIT 1;`,
		Arguments: []interface{}{int64(num), name},
	}
	result, err := s.conn.QueryOneParameterized(stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to query group info: %w", err)
	}
	if !result.Next() {
		return nil, fmt.Errorf("group %q: %w", name, ErrNoGroup)
	}

	var internal, external, xmit, rcv, util int64
	if err := result.Scan(&internal, &external, &xmit, &rcv, &util); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	return &GroupInfo{
		Name:             name,
		NumInternalPorts: uint32(internal),
		NumExternalPorts: uint32(external),
		TotalXmitMB:      uint64(xmit),
		TotalRcvMB:       uint64(rcv),
		MaxUtilPct10:     uint16(util),
	}, nil
}

func (s *RqliteStore) PortCounters(ctx context.Context, imageNum uint64, lid uint32, port uint8) (*PortCounters, error) {
	num, err := s.resolveImage(imageNum)
	if err != nil {
		return nil, err
	}

	stmt := gorqlite.ParameterizedStatement{
		Query: `SELECT xmit_data, rcv_data, xmit_pkts, rcv_pkts, mc_xmit_pkts, mc_rcv_pkts,
		symbol_errors, link_error_recovery, link_downed, rcv_errors, xmit_discards, xmit_wait
		FROM pa_port_counters WHERE image_num = ? AND lid = ? AND port = ? LIMIT 1;`,
		Arguments: []interface{}{int64(num), int64(lid), int64(port)},
	}
	result, err := s.conn.QueryOneParameterized(stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to query port counters: %w", err)
	}
	if !result.Next() {
		return nil, fmt.Errorf("port %d/%d: %w", lid, port, ErrNoPort)
	}

	var v [12]int64
	if err := result.Scan(&v[0], &v[1], &v[2], &v[3], &v[4], &v[5], &v[6], &v[7], &v[8], &v[9], &v[10], &v[11]); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	return &PortCounters{
		LID:               lid,
		Port:              port,
		XmitData:          uint64(v[0]),
		RcvData:           uint64(v[1]),
		XmitPkts:          uint64(v[2]),
		RcvPkts:           uint64(v[3]),
		MulticastXmitPkts: uint64(v[4]),
		MulticastRcvPkts:  uint64(v[5]),
		SymbolErrors:      uint64(v[6]),
		LinkErrorRecovery: uint64(v[7]),
		LinkDowned:        uint64(v[8]),
		RcvErrors:         uint64(v[9]),
		XmitDiscards:      uint64(v[10]),
		XmitWait:          uint64(v[11]),
	}, nil
}
