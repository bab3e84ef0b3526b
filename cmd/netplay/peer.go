package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/netplay/internal/config"
	"github.com/1ureka/netplay/internal/discovery"
	"github.com/1ureka/netplay/internal/endpoint"
	"github.com/1ureka/netplay/internal/metrics"
	"github.com/1ureka/netplay/internal/prober"
	"github.com/1ureka/netplay/internal/protocol"
	"github.com/1ureka/netplay/internal/session"
	"github.com/1ureka/netplay/internal/signaling"
	"github.com/1ureka/netplay/internal/transport"
	"github.com/1ureka/netplay/internal/util"
)

const (
	statsEvery    = 5 * time.Second
	keyFrameEvery = 600 // frames between synthetic milestones
)

type peerOptions struct {
	configPath string
	slot       uint8
	peers      []string
	players    int
	room       string
	user       string
	pin        string
	verify     string
	frames     int64
	port       int
}

func peerCmd() *cobra.Command {
	var opts peerOptions

	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Join a session and drive it with synthetic input",
		Long: `Join a session as one player slot. Remote players are either listed
with --peer slot=host:port, or found through a signaling server when --room
is given, in which case candidate addresses are gathered, exchanged and
probed before the session starts.`,
		Example: `  netplay peer --slot 0 --peer 1=192.0.2.10:7000
  netplay peer --slot 1 --port 7001
  netplay peer --slot 2 --players 3 --room 4F2A9C01 --pin 123456`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeer(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	cmd.Flags().Uint8Var(&opts.slot, "slot", 0, "Local player slot (0~3)")
	cmd.Flags().StringArrayVar(&opts.peers, "peer", nil, "Remote player as slot=host:port, or just slot to learn its address (repeatable)")
	cmd.Flags().IntVar(&opts.players, "players", 2, "Number of players in the room (with --room)")
	cmd.Flags().StringVar(&opts.room, "room", "", "Signaling room code; \"new\" creates one")
	cmd.Flags().StringVar(&opts.user, "user", "", "Display name announced to the room")
	cmd.Flags().StringVar(&opts.pin, "pin", "", "Signaling server PIN")
	cmd.Flags().StringVar(&opts.verify, "verify", "", "Handshake verification payload every peer must match")
	cmd.Flags().Int64Var(&opts.frames, "frames", 0, "Stop after this many frames (0 runs until interrupted)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "Local UDP port (overrides local_port)")

	return cmd
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func runPeer(ctx context.Context, cmd *cobra.Command, opts peerOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.LocalPort = opts.port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	collector := metrics.New()
	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, cfg.MetricsAddr, collector.Handler())
	}

	udp, err := transport.Listen(ctx, cfg.LocalPort)
	if err != nil {
		return err
	}

	var peers []session.Peer
	if opts.room != "" {
		peers, err = rendezvous(ctx, cfg, udp, opts)
	} else {
		peers, err = parsePeers(opts.peers)
	}
	if err != nil {
		udp.Close()
		return err
	}
	if len(peers) == 0 {
		udp.Close()
		return errors.New("no remote players: pass --peer or --room")
	}

	sess, err := session.New(cfg, opts.slot, peers, []byte(opts.verify),
		session.WithConn(udp), session.WithRecorder(collector))
	if err != nil {
		udp.Close()
		return err
	}
	defer sess.Close()

	if err := sess.Start(ctx); err != nil {
		return err
	}
	util.StartStatsReporter(ctx, 10*time.Second)

	if err := drive(ctx, sess, peers, cfg.FrameRate, opts.frames); err != nil {
		return err
	}
	util.LogInfo("session closed")
	return nil
}

// loadConfig reads path (when given), then the environment. The result
// still needs Validate once flag overrides are in.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if cfg.Debug {
		util.EnableDebug()
	}
	return cfg, nil
}

// drive ticks the session at the frame rate. Local input starts once every
// peer has synchronized, and stalls whenever a peer asks us to slow down.
func drive(ctx context.Context, sess *session.Session, peers []session.Peer, frameRate int, limit int64) error {
	ticker := time.NewTicker(time.Second / time.Duration(frameRate))
	defer ticker.Stop()
	lastStats := time.Now()

	var frame int64
	stall := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		events, err := sess.Tick(frame)
		if err != nil {
			return err
		}
		for _, ev := range events {
			logEvent(ev)
		}
		if allDisconnected(sess, peers) {
			util.LogWarning("every peer has disconnected")
			return nil
		}
		if time.Since(lastStats) >= statsEvery {
			printStats(sess, peers)
			lastStats = time.Now()
		}

		if !sess.Running() {
			continue
		}
		if stall > 0 {
			stall--
			continue
		}

		if err := sess.AddLocalInput(frame, syntheticInput(frame)); err != nil {
			util.LogWarning("input for frame %d: %v", frame, err)
		}
		if kind, ok := sess.KeyFrames().Ready(frame); ok {
			util.LogSuccess("milestone %d reached on frame %d", kind, frame)
		}
		if frame > 0 && frame%keyFrameEvery == 0 {
			kind := uint8((frame/keyFrameEvery)%255 + 1)
			if err := sess.PostKeyFrame(kind, frame); err != nil {
				util.LogWarning("post milestone: %v", err)
			}
		}

		frame++
		if frame%int64(frameRate) == 0 {
			if stall = sess.RecommendFrameDelay(); stall > 0 {
				util.LogDebug("stalling %d frame(s) for the slowest peer", stall)
			}
		}
		if limit > 0 && frame >= limit {
			printStats(sess, peers)
			return nil
		}
	}
}

// syntheticInput changes every eight frames so acknowledgments and
// delta encoding both get exercised.
func syntheticInput(frame int64) []byte {
	return []byte{byte(frame >> 3), byte(frame >> 11)}
}

func allDisconnected(sess *session.Session, peers []session.Peer) bool {
	for _, p := range peers {
		if !sess.ConnectStatus(p.Slot).Disconnected {
			return false
		}
	}
	return true
}

func logEvent(ev session.PeerEvent) {
	switch ev.Kind {
	case endpoint.EventInput:
		util.LogDebug("%v", ev)
	case endpoint.EventSynchronized:
		util.LogSuccess("%v", ev)
	case endpoint.EventNetworkInterrupted, endpoint.EventDisconnected:
		util.LogWarning("%v", ev)
	default:
		util.LogInfo("%v", ev)
	}
}

func printStats(sess *session.Session, peers []session.Peer) {
	data := pterm.TableData{{"Slot", "Status", "Ping", "Pending", "KB/s", "Lost", "Advantage"}}
	for _, p := range peers {
		st, err := sess.NetworkStats(p.Slot)
		if err != nil {
			continue
		}
		status := "connected"
		if sess.ConnectStatus(p.Slot).Disconnected {
			status = "disconnected"
		}
		data = append(data, []string{
			strconv.Itoa(int(p.Slot)),
			status,
			st.Ping.String(),
			strconv.Itoa(st.SendQueueLen),
			strconv.Itoa(st.KbpsSent),
			strconv.FormatUint(st.RecvPacketLoss, 10),
			fmt.Sprintf("%+d / %+d", st.LocalFrameAdvantage, st.RemoteFrameAdvantage),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		util.LogDebug("stats table: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Peer discovery
// ---------------------------------------------------------------------------

// rendezvous gathers local and reflexive candidates on udp, swaps them
// through the signaling server and probes every candidate. Peers with no
// answering candidate are left for the session to learn, or reached
// through the relay when one is configured.
func rendezvous(ctx context.Context, cfg *config.Config, udp *transport.UDP, opts peerOptions) ([]session.Peer, error) {
	if cfg.SignalURL == "" {
		return nil, errors.New("--room needs signal_url in the configuration")
	}
	wsURL, err := normalizeWSURL(cfg.SignalURL, opts.pin)
	if err != nil {
		return nil, err
	}
	room := opts.room
	if room == "new" {
		room = signaling.NewRoomCode()
		pterm.Info.Println("Share this room code with the other players: " + pterm.LightCyan(room))
	}
	user := opts.user
	if user == "" {
		user = uuid.NewString()
	}

	cands, err := discovery.Gather(ctx, udp, udp.LocalPort(), cfg.STUNServer, cfg.STUNTimeout())
	if err != nil {
		return nil, err
	}
	util.LogInfo("gathered %d candidate address(es)", len(cands))

	others, err := signaling.Exchange(ctx, wsURL, room, opts.players, signaling.NewAnnounce(opts.slot, user, cands))
	if err != nil {
		return nil, err
	}

	p, err := prober.New(prober.Options{
		SessionID:    util.SessionIDFromCode(room),
		PeerID:       opts.slot,
		Conn:         udp,
		Duration:     cfg.ProbeDuration(),
		NetworkDelay: time.Duration(cfg.NetworkDelayMS) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	for _, a := range others {
		for _, addr := range a.Addrs() {
			p.AddCandidate(a.UserID, a.PeerID, addr)
		}
	}
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	p.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	peers := make([]session.Peer, 0, len(others))
	for _, a := range others {
		addr, rtt, ok := p.AvailableAddress(a.PeerID)
		if ok {
			util.LogSuccess("peer %d (%s) reachable at %s, %.1f ms", a.PeerID, a.UserID, transport.MaskAddr(addr), rtt)
		} else {
			p.DebugUnreachable(a.PeerID)
			if cfg.RelayAddr == "" {
				util.LogWarning("peer %d (%s) did not answer any probe; waiting for it to reach us", a.PeerID, a.UserID)
			}
		}
		peers = append(peers, session.Peer{Slot: a.PeerID, Addr: addr})
	}
	return peers, nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// parsePeers turns "slot=host:port" (or a bare "slot") flags into peers.
func parsePeers(raw []string) ([]session.Peer, error) {
	peers := make([]session.Peer, 0, len(raw))
	for _, r := range raw {
		slotStr, addrStr, hasAddr := strings.Cut(strings.TrimSpace(r), "=")
		slot, err := strconv.ParseUint(slotStr, 10, 8)
		if err != nil || slot >= protocol.MaxPlayers {
			return nil, fmt.Errorf("invalid --peer %q: slot must be 0~%d", r, protocol.MaxPlayers-1)
		}
		p := session.Peer{Slot: uint8(slot)}
		if hasAddr {
			if p.Addr, err = netip.ParseAddrPort(addrStr); err != nil {
				return nil, fmt.Errorf("invalid --peer %q: %w", r, err)
			}
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// normalizeWSURL validates a signaling server URL, forces the /ws path and
// attaches the PIN.
func normalizeWSURL(raw, pin string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	q := u.Query()
	if pin != "" {
		q.Set("pin", pin)
	}
	out := url.URL{Scheme: scheme, Host: u.Host, Path: "/ws", RawQuery: q.Encode()}
	return out.String(), nil
}

// serveMetrics exposes h on addr until ctx ends.
func serveMetrics(ctx context.Context, addr string, h http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		util.LogInfo("metrics: serving on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("metrics: %v", err)
		}
	}()
	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
}
