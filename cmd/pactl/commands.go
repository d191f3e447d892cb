package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/yuuki/paserver/internal/config"
	"github.com/yuuki/paserver/internal/paclient"
	"github.com/yuuki/paserver/internal/store"
	"github.com/yuuki/paserver/internal/transport"
)

var errUsage = errors.New("invalid arguments")

type cli struct {
	cfg      *config.ClientConfig
	out      io.Writer
	imageNum uint64
	hosts    int
}

type command func(ctx context.Context, c *paclient.Client, args []string) error

func (c *cli) commands() map[string]command {
	return map[string]command{
		"classportinfo": c.classPortInfo,
		"pmconfig":      c.pmConfig,
		"image":         c.image,
		"groups":        c.groups,
		"group":         c.group,
		"groups-multi":  c.groupsMulti,
		"port":          c.port,
		"counters":      c.counters,
	}
}

func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	if args[0] == "seed" {
		return c.seed(ctx, args[1:])
	}
	cmd, ok := c.commands()[args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}

	client, closeFn, err := c.dial()
	if err != nil {
		return err
	}
	defer closeFn()
	return cmd(ctx, client, args[1:])
}

// dial opens a UDP endpoint with the server registered as a static peer.
func (c *cli) dial() (*paclient.Client, func(), error) {
	serverAddr, err := net.ResolveUDPAddr("udp", c.cfg.ServerAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve server address: %w", err)
	}
	mux, err := transport.ListenUDP(c.cfg.ListenAddr, nil)
	if err != nil {
		return nil, nil, err
	}
	mux.AddPeer(c.cfg.ServerLID, serverAddr)
	ep := mux.Endpoint("pactl", transport.All, 64)
	mux.Start()

	client := paclient.New(ep, paclient.Config{
		LocalLID:   c.cfg.LocalLID,
		ServerLID:  c.cfg.ServerLID,
		PKey:       0xFFFF,
		Window:     c.cfg.Window,
		Timeout:    c.cfg.Timeout,
		MaxRetries: c.cfg.MaxRetries,
	})
	log.Debug().
		Str("server", serverAddr.String()).
		Str("local", mux.LocalAddr().String()).
		Msg("PA client ready")
	return client, func() {
		client.Close()
		mux.Close()
	}, nil
}

func (c *cli) table() *tabwriter.Writer {
	return tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
}

func (c *cli) classPortInfo(ctx context.Context, client *paclient.Client, _ []string) error {
	info, err := client.ClassPortInfo(ctx)
	if err != nil {
		return err
	}
	w := c.table()
	fmt.Fprintf(w, "BaseVersion\t%d\n", info.BaseVersion)
	fmt.Fprintf(w, "ClassVersion\t%d\n", info.ClassVersion)
	fmt.Fprintf(w, "CapabilityMask\t0x%04x\n", info.CapabilityMask)
	fmt.Fprintf(w, "RespTimeValue\t%d\n", info.RespTimeValue)
	return w.Flush()
}

func (c *cli) pmConfig(ctx context.Context, client *paclient.Client, _ []string) error {
	pm, err := client.PMConfig(ctx)
	if err != nil {
		return err
	}
	w := c.table()
	fmt.Fprintf(w, "SweepInterval\t%s\n", pm.SweepInterval)
	fmt.Fprintf(w, "MaxClients\t%d\n", pm.MaxClients)
	fmt.Fprintf(w, "PoolSize\t%d\n", pm.PoolSize)
	fmt.Fprintf(w, "MaxRetries\t%d\n", pm.MaxRetries)
	return w.Flush()
}

func (c *cli) image(ctx context.Context, client *paclient.Client, _ []string) error {
	info, err := client.ImageInfo(ctx, c.imageNum)
	if err != nil {
		return err
	}
	w := c.table()
	fmt.Fprintf(w, "ImageNum\t%d\n", info.ImageNum)
	fmt.Fprintf(w, "SweepStart\t%s\n", info.SweepStart.Format(time.RFC3339))
	fmt.Fprintf(w, "SweepDuration\t%s\n", info.SweepDuration)
	fmt.Fprintf(w, "HFIPorts\t%d\n", info.NumHFIPorts)
	fmt.Fprintf(w, "SwitchNodes\t%d\n", info.NumSwitchNodes)
	fmt.Fprintf(w, "SwitchPorts\t%d\n", info.NumSwitchPorts)
	fmt.Fprintf(w, "Links\t%d\n", info.NumLinks)
	fmt.Fprintf(w, "SMs\t%d\n", info.NumSMs)
	return w.Flush()
}

func (c *cli) groups(ctx context.Context, client *paclient.Client, _ []string) error {
	names, err := client.GroupList(ctx, c.imageNum)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(c.out, name)
	}
	return nil
}

func (c *cli) printGroups(groups []store.GroupInfo) error {
	w := c.table()
	fmt.Fprintln(w, "NAME\tINTERNAL\tEXTERNAL\tXMIT_MB\tRCV_MB\tMAX_UTIL")
	for _, g := range groups {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d.%d%%\n",
			g.Name, g.NumInternalPorts, g.NumExternalPorts, g.TotalXmitMB, g.TotalRcvMB,
			g.MaxUtilPct10/10, g.MaxUtilPct10%10)
	}
	return w.Flush()
}

func (c *cli) group(ctx context.Context, client *paclient.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: group <name>", errUsage)
	}
	g, err := client.GroupInfo(ctx, args[0], c.imageNum)
	if err != nil {
		return err
	}
	return c.printGroups([]store.GroupInfo{g})
}

func (c *cli) groupsMulti(ctx context.Context, client *paclient.Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: groups-multi <name>...", errUsage)
	}
	groups, err := client.GroupInfoMulti(ctx, args)
	if err != nil {
		return err
	}
	return c.printGroups(groups)
}

func parseLID(s string) (uint32, error) {
	lid, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad LID %q", errUsage, s)
	}
	return uint32(lid), nil
}

func (c *cli) printCounters(ports []store.PortCounters) error {
	w := c.table()
	fmt.Fprintln(w, "LID\tPORT\tXMIT_DATA\tRCV_DATA\tXMIT_PKTS\tRCV_PKTS\tXMIT_WAIT\tERRORS")
	for _, p := range ports {
		errs := p.SymbolErrors + p.LinkErrorRecovery + p.LinkDowned + p.RcvErrors + p.XmitDiscards
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			p.LID, p.Port, p.XmitData, p.RcvData, p.XmitPkts, p.RcvPkts, p.XmitWait, errs)
	}
	return w.Flush()
}

func (c *cli) port(ctx context.Context, client *paclient.Client, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: port <lid> <port>", errUsage)
	}
	lid, err := parseLID(args[0])
	if err != nil {
		return err
	}
	portNum, err := strconv.ParseUint(args[1], 10, 8)
	if err != nil {
		return fmt.Errorf("%w: bad port %q", errUsage, args[1])
	}
	p, err := client.PortCounters(ctx, lid, uint8(portNum), c.imageNum)
	if err != nil {
		return err
	}
	return c.printCounters([]store.PortCounters{p})
}

// counters queries port 1 of every LID in [first, last] with bounded
// parallelism. LIDs the server does not know are skipped.
func (c *cli) counters(ctx context.Context, client *paclient.Client, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: counters <first> <last>", errUsage)
	}
	first, err := parseLID(args[0])
	if err != nil {
		return err
	}
	last, err := parseLID(args[1])
	if err != nil {
		return err
	}
	if last < first {
		return fmt.Errorf("%w: empty LID range %d-%d", errUsage, first, last)
	}

	results := make([]*store.PortCounters, last-first+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for lid := first; lid <= last; lid++ {
		g.Go(func() error {
			p, err := client.PortCounters(gctx, lid, 1, c.imageNum)
			var statusErr *paclient.StatusError
			if errors.As(err, &statusErr) {
				log.Debug().Uint32("lid", lid).Str("status", statusErr.Status.String()).Msg("Skipping port")
				return nil
			}
			if err != nil {
				return fmt.Errorf("LID %d: %w", lid, err)
			}
			results[lid-first] = &p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	ports := make([]store.PortCounters, 0, len(results))
	for _, p := range results {
		if p != nil {
			ports = append(ports, *p)
		}
	}
	return c.printCounters(ports)
}

// seed writes a sample image straight into rqlite.
func (c *cli) seed(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: seed <image-num>", errUsage)
	}
	num, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || num == 0 {
		return fmt.Errorf("%w: bad image number %q", errUsage, args[0])
	}

	st, err := store.NewRqliteStore(c.cfg.DatabaseURI)
	if err != nil {
		return err
	}
	defer st.Close()

	img := store.SampleImage(num, time.Now(), c.hosts)
	if err := st.PutImage(ctx, img); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Seeded image %d with %d ports\n", num, len(img.Ports))
	return nil
}
