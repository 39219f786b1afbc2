// feslproxy - intercepting TLS proxy for the FESL login service
//
// It terminates the game client's TLS session with a local certificate,
// opens its own TLS session to the authentic backend, and relays decrypted
// traffic between the two while applying the configured overrides:
// credential substitution, theater endpoint redirection, platform
// spoofing, matchmaking replacement and ticket capture.
//
// Usage:
//
//	feslproxy -upstream-host beach-ps3.fesl.ea.com \
//	          -cert fesl.crt -key fesl.key \
//	          -email a@b.com -password hunter2
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/valters-tomsons/arcadia-bfbc/config"
	"github.com/valters-tomsons/arcadia-bfbc/override"
	"github.com/valters-tomsons/arcadia-bfbc/proxy"
)

func main() {
	var (
		listenAddr = flag.String("listen", ":18336", "address to accept client connections on")
		certFile   = flag.String("cert", "fesl.crt", "certificate presented to the client")
		keyFile    = flag.String("key", "fesl.key", "key for the client-facing certificate")
		debug      = flag.Bool("debug", false, "enable debug logging and frame dumps")

		cfg config.Settings
	)
	flag.StringVar(&cfg.UpstreamHost, "upstream-host", "", "backend host to relay to (required)")
	flag.IntVar(&cfg.UpstreamPort, "upstream-port", 18336, "backend port to relay to")
	flag.StringVar(&cfg.TheaterHost, "theater-host", "", "override the theater host advertised to the client")
	flag.IntVar(&cfg.TheaterPort, "theater-port", 0, "override the theater port advertised to the client")
	flag.BoolVar(&cfg.SpoofPlatform, "spoof-platform", false, "present a console platform identity to the backend")
	flag.StringVar(&cfg.AccountEmail, "email", "", "account email for login substitution")
	flag.StringVar(&cfg.AccountPassword, "password", "", "account password for login substitution")
	flag.StringVar(&cfg.MacAddr, "mac", "", "override the client MAC address in substituted logins")
	flag.StringVar(&cfg.ClientTicket, "ticket", "", "override the client authentication ticket")
	flag.BoolVar(&cfg.DumpTicket, "dump-ticket", false, "log the client ticket and terminate the connection")
	flag.Int64Var(&cfg.GameID, "gid", 0, "fixed game id for matchmaking replacement")
	flag.Int64Var(&cfg.LobbyID, "lid", 0, "fixed lobby id for matchmaking replacement")
	flag.Parse()

	log, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.UpstreamHost == "" {
		log.Fatal("-upstream-host is required")
	}

	cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
	if err != nil {
		log.Fatal("failed to load client-facing certificate", zap.Error(err))
	}

	// Legacy console clients only speak old TLS versions.
	listener, err := tls.Listen("tcp", *listenAddr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS10,
	})
	if err != nil {
		log.Fatal("failed to listen", zap.String("addr", *listenAddr), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	log.Info("proxy listening",
		zap.String("addr", *listenAddr),
		zap.String("upstream", cfg.UpstreamAddr()))

	p := proxy.New(cfg, log)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Info("shutting down")
				return
			}
			log.Warn("accept failed", zap.Error(err))
			continue
		}
		go serve(ctx, p, log, conn.(*tls.Conn))
	}
}

// serve completes the client handshake and hands the session to the proxy.
func serve(ctx context.Context, p *proxy.Proxy, log *zap.Logger, conn *tls.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr()
	log.Info("client connected", zap.Stringer("remote", remote))

	if err := conn.HandshakeContext(ctx); err != nil {
		log.Warn("client handshake failed", zap.Stringer("remote", remote), zap.Error(err))
		return
	}

	err := p.Run(ctx, conn)
	switch {
	case err == nil:
		log.Info("connection finished", zap.Stringer("remote", remote))
	case errors.Is(err, override.ErrTicketDumped):
		log.Info("connection terminated after ticket capture", zap.Stringer("remote", remote))
	default:
		log.Warn("connection failed", zap.Stringer("remote", remote), zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
