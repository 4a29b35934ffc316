// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"gopkg.in/yaml.v3"

	"grimm.is/flowtrack/internal/clock"
	"grimm.is/flowtrack/internal/conntrack"
	"grimm.is/flowtrack/internal/errors"
	"grimm.is/flowtrack/internal/events"
	"grimm.is/flowtrack/internal/logging"
	"grimm.is/flowtrack/internal/metrics"
	"grimm.is/flowtrack/internal/proto"
)

// ReplayOptions controls RunReplay.
type ReplayOptions struct {
	ConfigPath string
	// Format of the summary: yaml or json.
	Format string
	// Events prints every event line while replaying.
	Events bool
	// Out receives the summary and event lines.
	Out io.Writer
}

// ReplayResult summarizes a capture run through the tracker.
type ReplayResult struct {
	File     string         `json:"file" yaml:"file"`
	Packets  int            `json:"packets" yaml:"packets"`
	Skipped  int            `json:"skipped" yaml:"skipped"`
	Accepted int            `json:"accepted" yaml:"accepted"`
	Dropped  int            `json:"dropped" yaml:"dropped"`
	Verdicts map[string]int `json:"verdicts" yaml:"verdicts"`
	Duration string         `json:"duration" yaml:"duration"`
	// EventsDropped counts event lines lost to a slow writer.
	EventsDropped uint64                 `json:"events_dropped,omitempty" yaml:"events_dropped,omitempty"`
	Stats         metrics.ConntrackStats `json:"conntrack" yaml:"conntrack"`
}

// Replayer feeds captured packets through a tracker on simulated time.
type Replayer struct {
	tracker *conntrack.Tracker
	clock   *clock.MockClock
	gc      time.Duration
	lastGC  time.Time
	result  ReplayResult
}

// NewReplayer builds a tracker from cfg driven by a mock clock.
func NewReplayer(cfg Config, sink conntrack.EventSink, logger *logging.Logger) (*Replayer, error) {
	tc, err := cfg.TrackerConfig()
	if err != nil {
		return nil, err
	}
	timeouts, err := cfg.ProtoTimeouts()
	if err != nil {
		return nil, err
	}

	clk := clock.NewMockClock(time.Unix(0, 0))
	opts := []conntrack.Option{
		conntrack.WithClock(clk),
		conntrack.WithLogger(logger),
	}
	if sink != nil {
		opts = append(opts, conntrack.WithEventSink(sink))
	}
	tracker, err := conntrack.New(tc, opts...)
	if err != nil {
		return nil, err
	}
	popts := cfg.ProtoOptions()
	popts.Logger = logger
	if err := proto.Register(tracker, timeouts, popts); err != nil {
		return nil, err
	}
	return &Replayer{
		tracker: tracker,
		clock:   clk,
		gc:      tc.GCInterval,
		result:  ReplayResult{Verdicts: make(map[string]int)},
	}, nil
}

// Config is the subset of the daemon configuration a replay needs.
type Config interface {
	TrackerConfig() (conntrack.Config, error)
	ProtoTimeouts() (proto.Timeouts, error)
	ProtoOptions() proto.Options
}

// Tracker exposes the replay tracker.
func (r *Replayer) Tracker() *conntrack.Tracker { return r.tracker }

// Replay runs every packet from src through the tracker.
func (r *Replayer) Replay(ctx context.Context, src *gopacket.PacketSource) error {
	first := true
	var start time.Time
	for packet := range src.Packets() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if md := packet.Metadata(); md != nil && !md.Timestamp.IsZero() {
			ts := md.Timestamp
			if first {
				start, r.lastGC, first = ts, ts, false
			}
			// Captures can be slightly out of order; time never runs backwards.
			if ts.After(r.clock.Now()) {
				r.clock.Set(ts)
			}
		}
		r.ProcessPacket(packet)
		if r.gc > 0 && r.clock.Now().Sub(r.lastGC) >= r.gc {
			r.tracker.Reap()
			r.lastGC = r.clock.Now()
		}
	}
	if !first {
		r.result.Duration = r.clock.Now().Sub(start).String()
	}
	return nil
}

// ProcessPacket tracks one captured frame as a forwarded packet.
func (r *Replayer) ProcessPacket(packet gopacket.Packet) conntrack.Verdict {
	r.result.Packets++
	family, data, ok := networkBytes(packet)
	if !ok {
		r.result.Skipped++
		return conntrack.Verdict{}
	}

	pkt := conntrack.NewPacket(family, data)
	defer pkt.Release()
	v := r.tracker.Process(pkt)
	if v.Action == conntrack.ActionDrop {
		r.result.Dropped++
	} else {
		r.result.Accepted++
	}
	r.result.Verdicts[v.Info.String()]++
	return v
}

// Result returns the summary so far.
func (r *Replayer) Result() ReplayResult {
	res := r.result
	res.Stats = metrics.FromStats(r.tracker.Stats())
	return res
}

// networkBytes returns the IP header onwards, skipping whatever link and
// tunnel layers precede it.
func networkBytes(p gopacket.Packet) (conntrack.Family, []byte, bool) {
	ls := p.Layers()
	for i, l := range ls {
		var family conntrack.Family
		switch l.LayerType() {
		case layers.LayerTypeIPv4:
			family = conntrack.FamilyIPv4
		case layers.LayerTypeIPv6:
			family = conntrack.FamilyIPv6
		default:
			continue
		}
		if i == 0 {
			return family, p.Data(), true
		}
		return family, ls[i-1].LayerPayload(), true
	}
	return conntrack.FamilyUnspec, nil, false
}

type packetReader interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

func openCapture(f *os.File) (packetReader, error) {
	if strings.EqualFold(filepath.Ext(f.Name()), ".pcapng") {
		r, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindUnparsable, "failed to open pcapng")
		}
		return r, nil
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnparsable, "failed to open pcap")
	}
	return r, nil
}

// RunReplay replays a capture file and writes a summary.
func RunReplay(ctx context.Context, path string, options ReplayOptions) error {
	out := options.Out
	if out == nil {
		out = os.Stdout
	}
	cfg, err := loadConfig(options.ConfigPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging())

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, errors.KindNotFound, "failed to open capture")
	}
	defer f.Close()
	reader, err := openCapture(f)
	if err != nil {
		return err
	}

	var (
		hub  *events.Hub
		sink conntrack.EventSink
	)
	if options.Events {
		hub = events.NewHub(logger)
		sink = hub
	}
	rp, err := NewReplayer(cfg, sink, logger)
	if err != nil {
		return err
	}

	var (
		wg  sync.WaitGroup
		sub *events.Subscription
	)
	if hub != nil {
		sub = hub.Subscribe(0, conntrack.EventsAll)
		wg.Add(1)
		go func() {
			defer wg.Done()
			events.Run(ctx, sub, func(ev conntrack.Event) {
				fmt.Fprintln(out, events.Format(ev))
			})
		}()
	}

	src := gopacket.NewPacketSource(reader, reader.LinkType())
	src.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	replayErr := rp.Replay(ctx, src)

	// Closing the subscription lets the printer drain what is queued.
	if sub != nil {
		sub.Close()
		wg.Wait()
	}
	if replayErr != nil {
		return replayErr
	}

	res := rp.Result()
	res.File = filepath.Base(path)
	if hub != nil {
		res.EventsDropped = hub.Dropped()
	}
	return writeResult(out, options.Format, res)
}

func writeResult(w io.Writer, format string, res ReplayResult) error {
	switch strings.ToLower(format) {
	case "", "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(res); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	default:
		return errors.Errorf(errors.KindValidation, "unknown format %q (want yaml or json)", format)
	}
}
