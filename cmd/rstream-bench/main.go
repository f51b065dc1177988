// rstream-bench measures point-to-point bandwidth over an rstream
// messaging context, either between two local RNICs (loopback) or
// against a remote peer bootstrapped over TCP.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.uber.org/ratelimit"

	"github.com/yuuki/rstream"
	"github.com/yuuki/rstream/internal/config"
	"github.com/yuuki/rstream/internal/telemetry"
	"github.com/yuuki/rstream/verbs"
)

func main() {
	flagSet := pflag.NewFlagSet("rstream-bench", pflag.ExitOnError)
	config.SetupBenchFlags(flagSet)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	version, _ := flagSet.GetBool("version")
	if version {
		fmt.Println("rstream-bench v0.1.0")
		os.Exit(0)
	}

	createConfig, _ := flagSet.GetBool("create-config")
	if createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.WriteDefaultBenchConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(0)
	}

	cfg, err := config.LoadBenchConfig(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.LogLevel)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Benchmark failed")
	}
}

func setupLogging(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func run(cfg *config.BenchConfig) error {
	var metrics *telemetry.Metrics
	if cfg.OtelAddr != "" {
		hostname, _ := os.Hostname()
		var err error
		metrics, err = telemetry.NewMetrics(context.Background(), hostname, cfg.OtelAddr)
		if err != nil {
			return fmt.Errorf("failed to set up metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metrics.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Metrics shutdown failed")
			}
		}()
	}

	switch cfg.Mode {
	case "loopback":
		return runLoopback(cfg, metrics)
	default:
		return runPeer(cfg, metrics)
	}
}

// endpoint bundles one side's verbs resources and messaging context.
type endpoint struct {
	ctx     *verbs.Context
	pd      *verbs.ProtectionDomain
	qp      *verbs.RcQueuePair
	dataBuf *verbs.Buffer
	dataMR  *verbs.MemoryRegion
	msgCtx  *rstream.Context
}

// openEndpoint brings up the verbs resources for one side. The QP is
// left in RESET; callers bring it up once they have the peer handshake.
func openEndpoint(device string, chunkSize uint32) (*endpoint, error) {
	devCtx, err := verbs.OpenDevice(device)
	if err != nil {
		return nil, err
	}
	pd, err := verbs.AllocPD(devCtx)
	if err != nil {
		devCtx.Close()
		return nil, err
	}
	qp, err := verbs.NewRcQueuePair(pd, 0, 0)
	if err != nil {
		pd.Close()
		devCtx.Close()
		return nil, err
	}
	dataBuf, err := verbs.AllocBuffer(uint64(chunkSize))
	if err != nil {
		qp.Close()
		pd.Close()
		devCtx.Close()
		return nil, err
	}
	dataMR, err := verbs.RegisterMemoryRegion(pd, dataBuf.Addr(), dataBuf.Length())
	if err != nil {
		dataBuf.Free()
		qp.Close()
		pd.Close()
		devCtx.Close()
		return nil, err
	}
	return &endpoint{ctx: devCtx, pd: pd, qp: qp, dataBuf: dataBuf, dataMR: dataMR}, nil
}

// start wraps the brought-up QP in a messaging context. The QP is owned
// by the messaging context from here on.
func (e *endpoint) start(metrics *telemetry.Metrics) error {
	msgCtx, err := rstream.NewContext(e.qp,
		rstream.WithMetrics(metrics),
		rstream.WithRegisteredRegions(e.dataMR),
	)
	if err != nil {
		return err
	}
	e.msgCtx = msgCtx
	return nil
}

// close releases everything the messaging context does not own.
func (e *endpoint) close() {
	if e.msgCtx != nil {
		e.msgCtx.Close() // releases the QP
	} else if e.qp != nil {
		e.qp.Close()
	}
	if e.dataMR != nil {
		e.dataMR.Close()
	}
	if e.dataBuf != nil {
		e.dataBuf.Free()
	}
	if e.pd != nil {
		e.pd.Close()
	}
	if e.ctx != nil {
		e.ctx.Close()
	}
}

func runLoopback(cfg *config.BenchConfig, metrics *telemetry.Metrics) error {
	deviceB := cfg.DeviceB
	if deviceB == "" {
		deviceB = cfg.DeviceA
	}

	sender, err := openEndpoint(cfg.DeviceA, cfg.ChunkSize)
	if err != nil {
		return err
	}
	defer sender.close()

	receiver, err := openEndpoint(deviceB, cfg.ChunkSize)
	if err != nil {
		return err
	}
	defer receiver.close()

	if err := sender.qp.BringUp(receiver.qp.Handshake()); err != nil {
		return err
	}
	if err := receiver.qp.BringUp(sender.qp.Handshake()); err != nil {
		return err
	}
	if err := sender.start(metrics); err != nil {
		return err
	}
	if err := receiver.start(nil); err != nil {
		return err
	}

	var bytesTransferred atomic.Uint64
	done := make(chan error, 2)

	// Delivered bytes are counted on the recv side, as the accumulator
	// observes them.
	go func() { done <- sendLoop(cfg, sender, nil) }()
	go func() { done <- recvLoop(cfg, receiver, &bytesTransferred) }()

	reportProgress(cfg, &bytesTransferred, done, 2)
	return nil
}

func runPeer(cfg *config.BenchConfig, metrics *telemetry.Metrics) error {
	local, err := openEndpoint(cfg.DeviceA, cfg.ChunkSize)
	if err != nil {
		return err
	}
	defer local.close()

	peer, err := bootstrapHandshake(cfg, local.qp.Handshake())
	if err != nil {
		return err
	}
	if err := local.qp.BringUp(peer); err != nil {
		return err
	}
	if err := local.start(metrics); err != nil {
		return err
	}

	log.Info().
		Str("role", cfg.Role).
		Str("peer_gid", peer.GIDString()).
		Uint32("peer_qpn", peer.QPNum).
		Msg("Connected to peer")

	var bytesTransferred atomic.Uint64
	done := make(chan error, 1)

	if cfg.Role == "client" {
		go func() { done <- sendLoop(cfg, local, &bytesTransferred) }()
	} else {
		go func() { done <- recvLoop(cfg, local, &bytesTransferred) }()
	}

	reportProgress(cfg, &bytesTransferred, done, 1)
	return nil
}

// bootstrapHandshake exchanges handshake records over a short-lived TCP
// connection: the server listens, the client dials.
func bootstrapHandshake(cfg *config.BenchConfig, local verbs.HandshakeData) (verbs.HandshakeData, error) {
	var conn net.Conn
	if cfg.Role == "server" {
		listener, err := net.Listen("tcp", cfg.PeerAddr)
		if err != nil {
			return verbs.HandshakeData{}, fmt.Errorf("failed to listen on %s: %w", cfg.PeerAddr, err)
		}
		defer listener.Close()
		conn, err = listener.Accept()
		if err != nil {
			return verbs.HandshakeData{}, fmt.Errorf("failed to accept bootstrap connection: %w", err)
		}
	} else {
		var err error
		conn, err = net.Dial("tcp", cfg.PeerAddr)
		if err != nil {
			return verbs.HandshakeData{}, fmt.Errorf("failed to dial %s: %w", cfg.PeerAddr, err)
		}
	}
	defer conn.Close()
	return verbs.ExchangeHandshake(conn, local)
}

// sendLoop submits total/chunk sends on the configured stream, waiting
// out each one, optionally paced by the rate limiter. A non-nil
// counter accumulates acknowledged bytes.
func sendLoop(cfg *config.BenchConfig, e *endpoint, bytesTransferred *atomic.Uint64) error {
	var limiter ratelimit.Limiter
	if cfg.RatePerSec > 0 {
		limiter = ratelimit.New(cfg.RatePerSec)
	}

	chunks := cfg.TotalBytes / uint64(cfg.ChunkSize)
	addr := e.dataMR.Addr()
	lkey := e.dataMR.LKey()
	for i := uint64(0); i < chunks; i++ {
		if limiter != nil {
			limiter.Take()
		}
		if err := e.msgCtx.Send(cfg.StreamID, addr, cfg.ChunkSize, lkey).Wait(); err != nil {
			return fmt.Errorf("send %d/%d failed: %w", i+1, chunks, err)
		}
		if bytesTransferred != nil {
			bytesTransferred.Add(uint64(cfg.ChunkSize))
		}
	}
	return nil
}

// recvLoop posts total/chunk recvs and accumulates delivered bytes.
func recvLoop(cfg *config.BenchConfig, e *endpoint, bytesTransferred *atomic.Uint64) error {
	chunks := cfg.TotalBytes / uint64(cfg.ChunkSize)
	addr := e.dataMR.Addr()
	rkey := e.dataMR.RKey()
	for i := uint64(0); i < chunks; i++ {
		if err := e.msgCtx.Recv(cfg.StreamID, addr, cfg.ChunkSize, rkey).Wait(); err != nil {
			return fmt.Errorf("recv %d/%d failed: %w", i+1, chunks, err)
		}
		bytesTransferred.Add(uint64(cfg.ChunkSize))
	}
	return nil
}

// reportProgress prints per-second bandwidth until every worker is
// done.
func reportProgress(cfg *config.BenchConfig, bytesTransferred *atomic.Uint64, done chan error, workers int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var prev uint64
	remaining := workers
	for remaining > 0 {
		select {
		case err := <-done:
			remaining--
			if err != nil {
				log.Error().Err(err).Msg("Benchmark worker failed")
			}
		case <-ticker.C:
			curr := bytesTransferred.Load()
			log.Info().
				Float64("bandwidth_gbps", float64(curr-prev)/(1024*1024*1024)).
				Uint64("transferred", curr).
				Uint64("total", cfg.TotalBytes).
				Msg("Progress")
			prev = curr
		}
	}
	log.Info().Uint64("bytes", bytesTransferred.Load()).Msg("Benchmark complete")
}
