// Command dgrd is an example Device Groups daemon: it binds a multicast
// socket, runs one protocol engine for a single group, and exposes a small
// stdin command surface plus a Prometheus /metrics endpoint.
//
// Flags and startup/shutdown narration use stdlib flag, plain log.Printf,
// and signal.NotifyContext; the engine itself logs through
// internal/logging instead.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tasmota/devgroups/internal/device"
	"github.com/tasmota/devgroups/internal/diag"
	"github.com/tasmota/devgroups/internal/engine"
	"github.com/tasmota/devgroups/internal/metrics"
	"github.com/tasmota/devgroups/internal/transport"
	"github.com/tasmota/devgroups/internal/wire"
)

// itemsByName maps the command-line names DevGroupSend accepts onto wire
// tags — a small, fixed table, not a general parser; POWER/LIGHT_BRI and
// friends are the shareable items a local controller actually sends.
var itemsByName = map[string]wire.Tag{
	"power":        wire.TagPower,
	"light_bri":    wire.TagLightBri,
	"light_fade":   wire.TagLightFade,
	"light_scheme": wire.TagLightScheme,
}

func main() {
	group := flag.String("group", "lab", "device group name")
	addr := flag.String("addr", "239.255.250.250", "multicast group address")
	port := flag.Int("port", 4447, "UDP port (default Device Groups port)")
	sendMask := flag.Uint("send-mask", 0xFFFFFFFF, "outgoing share mask")
	receiveMask := flag.Uint("receive-mask", 0xFFFFFFFF, "incoming share mask")
	metricsAddr := flag.String("metrics", ":9447", "Prometheus /metrics listen address")
	tickInterval := flag.Duration("tick", 20*time.Millisecond, "engine loop tick interval")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExample:\n  %s -group lab -addr 239.255.250.250 -port 4447\n", os.Args[0])
	}
	flag.Parse()

	mcastAddr, err := netip.ParseAddr(*addr)
	if err != nil {
		log.Fatalf("bad -addr %q: %v", *addr, err)
	}

	sock, err := transport.Bind(*port, mcastAddr, netip.Addr{})
	if err != nil {
		log.Fatalf("bind: %v", err)
	}
	defer sock.Close()
	if err := sock.JoinMulticast(); err != nil {
		log.Fatalf("join multicast: %v", err)
	}

	reg := prometheus.NewRegistry()
	met := metrics.New(reg, *group)

	dev := device.NewMemoryDevice()
	eng := engine.New(engine.Config{
		GroupName:     *group,
		SendMask:      uint32(*sendMask),
		ReceiveMask:   uint32(*receiveMask),
		MulticastAddr: mcastAddr,
		Port:          *port,
	}, sock, dev, met)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: *metricsAddr}
	go func() {
		log.Printf("metrics listening %s", *metricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server: %v", err)
		}
	}()

	start := time.Now()
	now := func() uint32 { return uint32(time.Since(start).Milliseconds()) }

	eng.Start(now())
	log.Printf("dgrd starting group=%q addr=%s port=%d", *group, *addr, *port)

	cmds := make(chan string, 8)
	go readCommands(cmds)

	ticker := time.NewTicker(*tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("shutting down")
			_ = srv.Shutdown(context.Background())
			return
		case line := <-cmds:
			handleCommand(eng, dev, line)
		case <-ticker.C:
			if err := eng.Loop(now()); err != nil {
				log.Printf("loop: %v", err)
			}
		}
	}
}

// readCommands feeds stdin lines into cmds, the way a host process would
// dispatch DevGroupSend/DevGroupStatus commands into the engine.
func readCommands(cmds chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			cmds <- line
		}
	}
}

func handleCommand(eng *engine.Engine, dev *device.MemoryDevice, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "DevGroupSend":
		if len(fields) < 2 {
			log.Printf("DevGroupSend: missing <item>=<value>[,...]")
			return
		}
		items, err := parseSendArgs(fields[1])
		if err != nil {
			log.Printf("DevGroupSend: %v", err)
			return
		}
		applyLocally(dev, items)
		eng.Publish(items...)
	case "DevGroupStatus":
		eng.RequestFullStatus()
		var views []diag.MemberView
		for _, m := range eng.Members().All() {
			views = append(views, diag.MemberView{
				IP:               m.IP,
				ReceivedSequence: m.ReceivedSequence,
				AckedSequence:    m.AckedSequence,
				UnicastCount:     m.UnicastCount,
			})
		}
		snap := diag.NewSnapshot(eng.GroupName(), eng.OutgoingSequence(), eng.State().String(), views)
		fmt.Println(snap.String())
	default:
		log.Printf("unrecognized command %q", fields[0])
	}
}

// parseSendArgs parses "item=value[,item=value...]" into wire items.
func parseSendArgs(spec string) ([]wire.Item, error) {
	var items []wire.Item
	for _, pair := range strings.Split(spec, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed item %q, want item=value", pair)
		}
		tag, ok := itemsByName[strings.ToLower(kv[0])]
		if !ok {
			return nil, fmt.Errorf("unknown item %q", kv[0])
		}
		v, err := strconv.ParseUint(kv[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad value for %q: %w", kv[0], err)
		}
		switch tag.Width() {
		case wire.Width8:
			items = append(items, wire.NewUint8Item(tag, uint8(v)))
		case wire.Width16:
			items = append(items, wire.NewUint16Item(tag, uint16(v)))
		default:
			items = append(items, wire.NewUint32Item(tag, uint32(v)))
		}
	}
	return items, nil
}

// applyLocally mirrors a DevGroupSend command onto the in-memory device
// directly, the way a real host would apply its own command before
// publishing it to the group: Publish announces a change the local
// controller already made, it doesn't make the change itself.
func applyLocally(dev *device.MemoryDevice, items []wire.Item) {
	for _, it := range items {
		dev.OnApply(it.Tag, it, wire.UpdateCommand, wire.SourceLocal)
	}
}
