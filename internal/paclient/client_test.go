package paclient

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/yuuki/paserver/internal/mad"
	"github.com/yuuki/paserver/internal/pa"
	"github.com/yuuki/paserver/internal/pa/handlers"
	"github.com/yuuki/paserver/internal/store"
	"github.com/yuuki/paserver/internal/transport"
)

const attrBlob uint16 = 0x7000

var sweepStart = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func blob(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*13 + i/257)
	}
	return b
}

// newBlobRegistry serves the PA attributes plus a GETTABLE blob whose length
// is given by the request's first four bytes.
func newBlobRegistry() *handlers.Registry {
	r := handlers.NewPARegistry(
		store.NewMemoryStore(store.SampleImage(1, sweepStart, 4), store.SampleImage(2, sweepStart, 300)),
		handlers.Settings{RespTimeValue: 18, PMConfig: handlers.PMConfig{SweepInterval: time.Minute, MaxClients: 32}},
	)
	r.Register(mad.MethodGetTable, attrBlob, func(_ context.Context, req *pa.Request) pa.Response {
		n := int(req.Data[0])<<24 | int(req.Data[1])<<16 | int(req.Data[2])<<8 | int(req.Data[3])
		return pa.Response{Payload: blob(n), RecordSize: 8}
	})
	return r
}

func blobRequest(n int) []byte {
	return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

type testEnv struct {
	client *Client
	state  *pa.ProtocolState
}

func newTestEnv(t *testing.T, mutate func(*pa.Config, *Config)) *testEnv {
	t.Helper()
	cfg := pa.DefaultConfig()
	cfg.PoolSize = 16
	cfg.ReceiveWait = 10 * time.Millisecond
	ccfg := DefaultConfig()
	ccfg.Timeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg, &ccfg)
	}
	state, err := pa.NewProtocolState(cfg, nil, nil)
	require.NoError(t, err)

	pipe := transport.NewPipe(nil, 64)
	demux := transport.NewDemux(pipe.Right())
	writer := demux.Endpoint("writer", transport.RMPPControl, 64)
	reader := demux.Endpoint("reader", transport.Requests, 64)
	ctx, cancel := context.WithCancel(context.Background())
	demux.Start(ctx)

	srv := pa.NewServer(state, reader, writer, newBlobRegistry())
	require.NoError(t, srv.Start())

	client := New(pipe.Left(), ccfg)
	t.Cleanup(func() {
		client.Close()
		srv.Stop()
		cancel()
		demux.Stop()
		pipe.Close()
	})
	return &testEnv{client: client, state: state}
}

func TestRoundTrip(t *testing.T) {
	sizes := []int{1, 7, mad.DataSize - 1, mad.DataSize, mad.DataSize + 1, 3 * mad.DataSize, 5*mad.DataSize + 11}
	windows := []struct {
		server uint32
		client uint32
	}{
		{1, 1},
		{1, 4},
		{3, 2},
		{8, 8},
	}
	for _, w := range windows {
		env := newTestEnv(t, func(c *pa.Config, cc *Config) {
			c.InitialWindow = w.server
			cc.Window = w.client
		})
		for _, n := range sizes {
			t.Run(fmt.Sprintf("window %d/%d size %d", w.server, w.client, n), func(t *testing.T) {
				res, err := env.client.Query(context.Background(), mad.MethodGetTable, attrBlob, blobRequest(n))
				require.NoError(t, err)
				require.NoError(t, res.Err())
				assert.Equal(t, blob(n), res.Data)
				assert.Equal(t, (n+mad.DataSize-1)/mad.DataSize, res.Segments)
				assert.Equal(t, 8, res.RecordSize)
				assert.Equal(t, mad.MethodGetTableResp, res.Method)
			})
		}
		require.Eventually(t, func() bool {
			st := env.state.Stats()
			return st.Allocated == 0 && st.Completed == uint64(len(sizes))
		}, 2*time.Second, 10*time.Millisecond)
	}
}

func TestEmptyTableReply(t *testing.T) {
	env := newTestEnv(t, nil)
	res, err := env.client.Query(context.Background(), mad.MethodGetTable, attrBlob, blobRequest(0))
	require.NoError(t, err)
	assert.Equal(t, mad.StatusNoResources, res.Status)
	assert.Empty(t, res.Data)
	assert.Equal(t, 1, res.Segments)

	var statusErr *StatusError
	require.ErrorAs(t, res.Err(), &statusErr)
	assert.Equal(t, mad.StatusNoResources, statusErr.Status)
}

func TestTypedQueries(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	cpi, err := env.client.ClassPortInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, mad.PAClassVersion, cpi.ClassVersion)

	pm, err := env.client.PMConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, pm.SweepInterval)

	info, err := env.client.ImageInfo(ctx, store.LatestImage)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.ImageNum)

	names, err := env.client.GroupList(ctx, store.LatestImage)
	require.NoError(t, err)
	assert.Equal(t, []string{"All", "HFIs", "SWs"}, names)

	g, err := env.client.GroupInfo(ctx, "HFIs", 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), g.NumInternalPorts)

	groups, err := env.client.GroupInfoMulti(ctx, []string{"SWs", "All"})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "SWs", groups[0].Name)

	p, err := env.client.PortCounters(ctx, 250, 1, store.LatestImage)
	require.NoError(t, err)
	assert.Equal(t, uint32(250), p.LID)
	assert.Equal(t, uint64(250*17), p.XmitWait)

	_, err = env.client.PortCounters(ctx, 250, 1, 1)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, mad.StatusPANoPort, statusErr.Status)
}

func TestConcurrentQueries(t *testing.T) {
	env := newTestEnv(t, func(c *pa.Config, cc *Config) { cc.Window = 2 })

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 12; i++ {
		n := (i + 1) * 1000
		g.Go(func() error {
			res, err := env.client.Query(ctx, mad.MethodGetTable, attrBlob, blobRequest(n))
			if err != nil {
				return err
			}
			if !assert.Equal(t, blob(n), res.Data) {
				return errors.New("payload mismatch")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestQueryTimesOut(t *testing.T) {
	pipe := transport.NewPipe(nil, 16)
	defer pipe.Close()
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxRetries = 2
	c := New(pipe.Left(), cfg)
	defer c.Close()

	_, err := c.Query(context.Background(), mad.MethodGet, handlers.AttrClassPortInfo, nil)
	assert.ErrorIs(t, err, ErrTimeout)

	var sent []*mad.Packet
	for {
		p, err := pipe.Right().Recv(context.Background(), 0)
		if err != nil {
			break
		}
		sent = append(sent, p)
	}
	require.Len(t, sent, 3, "request plus two resends")
	assert.Equal(t, sent[0].Common.TransactionID, sent[2].Common.TransactionID)
}

func TestQueryAfterClose(t *testing.T) {
	pipe := transport.NewPipe(nil, 16)
	defer pipe.Close()
	c := New(pipe.Left(), DefaultConfig())
	c.Close()

	_, err := c.Query(context.Background(), mad.MethodGet, handlers.AttrClassPortInfo, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

// scriptedServer answers the first request on the right end of a pipe with
// the packets built by reply and returns what the client sent afterwards.
func scriptedServer(t *testing.T, reply func(req *mad.Packet) []*mad.Packet) (*Client, func() []*mad.Packet) {
	t.Helper()
	pipe := transport.NewPipe(nil, 64)
	cfg := DefaultConfig()
	cfg.Timeout = 200 * time.Millisecond
	cfg.MaxRetries = 0
	c := New(pipe.Left(), cfg)
	t.Cleanup(func() {
		c.Close()
		pipe.Close()
	})

	go func() {
		req, err := pipe.Right().Recv(context.Background(), 2*time.Second)
		if err != nil {
			return
		}
		for _, p := range reply(req) {
			if pipe.Right().Send(p) != nil {
				return
			}
		}
	}()

	return c, func() []*mad.Packet {
		var out []*mad.Packet
		for {
			p, err := pipe.Right().Recv(context.Background(), 50*time.Millisecond)
			if err != nil {
				return out
			}
			out = append(out, p)
		}
	}
}

func dataSegment(req *mad.Packet, seg uint32, flags mad.RMPPFlags, payloadLength uint32, data []byte) *mad.Packet {
	env := req.Envelope.ReplyEnvelope()
	env.RMPP = mad.RMPPHeader{
		Version:       mad.RMPPVersion,
		Type:          mad.RMPPTypeData,
		Flags:         mad.RMPPFlagActive | flags,
		SegmentNumber: seg,
		PayloadLength: payloadLength,
	}
	return &mad.Packet{Envelope: env, Data: data}
}

func lastControl(pkts []*mad.Packet) *mad.Packet {
	for i := len(pkts) - 1; i >= 0; i-- {
		if pkts[i].IsRMPPControl() {
			return pkts[i]
		}
	}
	return nil
}

func TestReceiverProtocolViolations(t *testing.T) {
	full := blob(mad.DataSize)
	tests := []struct {
		name   string
		reply  func(req *mad.Packet) []*mad.Packet
		status mad.RMPPStatus
	}{
		{
			name: "first segment length mismatch",
			reply: func(req *mad.Packet) []*mad.Packet {
				return []*mad.Packet{dataSegment(req, 1, mad.RMPPFlagFirst|mad.RMPPFlagLast, 999, blob(10))}
			},
			status: mad.RMPPStatusInconsistentLength,
		},
		{
			name: "last segment length mismatch",
			reply: func(req *mad.Packet) []*mad.Packet {
				return []*mad.Packet{
					dataSegment(req, 1, mad.RMPPFlagFirst, uint32(mad.DataSize+10+2*mad.SAHeaderSize), full),
					dataSegment(req, 2, mad.RMPPFlagLast, 11+mad.SAHeaderSize, blob(10)),
				}
			},
			status: mad.RMPPStatusInconsistentLength,
		},
		{
			name: "short middle segment",
			reply: func(req *mad.Packet) []*mad.Packet {
				return []*mad.Packet{dataSegment(req, 1, mad.RMPPFlagFirst, 0, blob(5))}
			},
			status: mad.RMPPStatusInconsistentLength,
		},
		{
			name: "missing first flag",
			reply: func(req *mad.Packet) []*mad.Packet {
				return []*mad.Packet{dataSegment(req, 1, mad.RMPPFlagLast, 30, blob(10))}
			},
			status: mad.RMPPStatusInconsistentFirst,
		},
		{
			name: "unexpected type",
			reply: func(req *mad.Packet) []*mad.Packet {
				p := dataSegment(req, 1, mad.RMPPFlagFirst, 0, nil)
				p.RMPP.Type = mad.RMPPTypeAck
				return []*mad.Packet{p}
			},
			status: mad.RMPPStatusBadType,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, sentAfter := scriptedServer(t, tt.reply)
			_, err := c.Query(context.Background(), mad.MethodGetTable, handlers.AttrGroupList, nil)
			require.ErrorIs(t, err, ErrProtocol)

			abort := lastControl(sentAfter())
			require.NotNil(t, abort)
			assert.Equal(t, mad.RMPPTypeAbort, abort.RMPP.Type)
			assert.Equal(t, tt.status, abort.RMPP.Status)
		})
	}
}

func TestReceiverServerAbort(t *testing.T) {
	c, _ := scriptedServer(t, func(req *mad.Packet) []*mad.Packet {
		first := dataSegment(req, 1, mad.RMPPFlagFirst, uint32(2*mad.DataSize+2*mad.SAHeaderSize), blob(mad.DataSize))
		abort := dataSegment(req, 0, 0, 0, nil)
		abort.RMPP.Type = mad.RMPPTypeAbort
		abort.RMPP.Status = mad.RMPPStatusTooManyRetries
		return []*mad.Packet{first, abort}
	})
	_, err := c.Query(context.Background(), mad.MethodGetTable, handlers.AttrGroupList, nil)
	assert.ErrorIs(t, err, ErrAborted)
}

func TestReceiverGapAndDuplicate(t *testing.T) {
	c, sentAfter := scriptedServer(t, func(req *mad.Packet) []*mad.Packet {
		total := uint32(2*mad.DataSize + 4 + 3*mad.SAHeaderSize)
		s1 := dataSegment(req, 1, mad.RMPPFlagFirst, total, blob(mad.DataSize))
		s2 := dataSegment(req, 2, 0, 0, blob(mad.DataSize))
		s3 := dataSegment(req, 3, mad.RMPPFlagLast, 4+mad.SAHeaderSize, blob(4))
		// Segment 3 arrives before 2, then the window is resent.
		return []*mad.Packet{s1, s3, s1, s2, s3}
	})
	res, err := c.Query(context.Background(), mad.MethodGetTable, handlers.AttrGroupList, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Segments)
	assert.Len(t, res.Data, 2*mad.DataSize+4)

	final := lastControl(sentAfter())
	require.NotNil(t, final)
	assert.Equal(t, mad.RMPPTypeAck, final.RMPP.Type)
	assert.Equal(t, uint32(3), final.RMPP.SegmentNumber)
	assert.Equal(t, uint32(3), final.RMPP.NewWindowLast())
}
