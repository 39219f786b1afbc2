// Package proxy relays decrypted application traffic between a game
// client's TLS session and an authentic upstream backend, routing every
// decodable message through the override engine on the way.
//
// # Architecture
//
// The proxy sits between the two endpoints:
//
//	Client TLS session -> relay loop -> codec -> override engine -> upstream
//	Upstream TLS session -> relay loop -> codec -> override engine -> client
//
// One relay loop runs per direction. Each reassembles frames from its
// source stream, decodes them, applies the shared override engine, and
// either forwards the (possibly rewritten) frame to the destination or
// answers the source directly when a rule short-circuits the exchange.
// Bytes that do not decode as a frame, or decode without a transaction
// name, are forwarded verbatim.
//
// # Trust Model
//
// The upstream dialer never presents a client certificate and accepts any
// server certificate unconditionally. That is a deliberate choice scoped
// to intercepting a controlled backend whose certificate cannot be
// validated; it is unsuitable for untrusted upstreams.
//
// # Lifecycle
//
// Run owns both relay loops as joined goroutines. The moment one loop
// ends, for any reason, both sessions are closed so the sibling observes
// the closure on its next blocking call instead of lingering.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/valters-tomsons/arcadia-bfbc/config"
	"github.com/valters-tomsons/arcadia-bfbc/fesl"
	"github.com/valters-tomsons/arcadia-bfbc/override"
)

// readBufferLen is the chunk size for reads off a session.
const readBufferLen = 8192

// Session is the byte-stream contract the relay drives. Both the
// server-role session to the client, whose handshake the caller completed
// before handing it over, and the client-role session to the upstream
// satisfy it; *tls.Conn does so directly. A read returning an error is how
// a session reports it is no longer connected.
type Session interface {
	io.Reader
	io.Writer
	io.Closer
}

// Proxy relays one client connection to the configured upstream. Safe to
// reuse across connections; per-connection state lives in the engine each
// Run creates.
type Proxy struct {
	cfg config.Settings
	log *zap.Logger
}

// New returns a proxy for the given settings.
func New(cfg config.Settings, log *zap.Logger) *Proxy {
	return &Proxy{cfg: cfg, log: log}
}

// Run connects to the upstream backend and relays traffic between it and
// the client session until either side closes or a rule terminates the
// connection. The client session's handshake must already be complete.
// Returns override.ErrTicketDumped after an operator-requested ticket
// capture; a failed upstream connection is returned before any data is
// relayed. Mid-session I/O failures are logged and simply end the
// connection, as a direct connection failure would.
func (p *Proxy) Run(ctx context.Context, client Session) error {
	upstream, err := p.dialUpstream(ctx)
	if err != nil {
		return err
	}
	p.log.Info("upstream session established", zap.String("addr", p.cfg.UpstreamAddr()))
	return p.runSessions(ctx, client, upstream)
}

// dialUpstream opens the client-role TLS session to the configured
// backend. See the package doc for the trust model.
func (p *Proxy) dialUpstream(ctx context.Context) (Session, error) {
	dialer := &tls.Dialer{
		Config: &tls.Config{
			InsecureSkipVerify: true, // controlled backend, see package doc
			MinVersion:         tls.VersionTLS10,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", p.cfg.UpstreamAddr())
	if err != nil {
		return nil, fmt.Errorf("proxy: connect upstream %s: %w", p.cfg.UpstreamAddr(), err)
	}
	return conn.(*tls.Conn), nil
}

// runSessions drives both directional relay loops over an already
// established pair of sessions and blocks until both have ended. The
// first loop to finish cancels the shared context, which closes both
// sessions and unblocks the sibling.
func (p *Proxy) runSessions(ctx context.Context, client, upstream Session) error {
	engine := override.NewEngine(p.cfg, p.log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		client.Close()
		upstream.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	var clientErr, upstreamErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		clientErr = p.relay(engine, direction{"client->upstream", client, upstream})
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		upstreamErr = p.relay(engine, direction{"upstream->client", upstream, client})
	}()
	wg.Wait()

	// Make sure neither session outlives the call even when the parent
	// context never fires.
	client.Close()
	upstream.Close()

	return errors.Join(clientErr, upstreamErr)
}

// direction is one half of the relay: bytes flow src -> dst unless a rule
// short-circuits them back to src.
type direction struct {
	name     string
	src, dst Session
}

// relay moves traffic for one direction until the source closes or fails.
// I/O and decode failures are logged and end the loop without an error;
// only the engine's intentional abort propagates.
func (p *Proxy) relay(engine *override.Engine, d direction) error {
	buf := make([]byte, readBufferLen)
	var pending []byte
	for {
		n, err := d.src.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending, err = p.process(engine, d, pending)
			if err != nil {
				if errors.Is(err, override.ErrTicketDumped) {
					return err
				}
				p.log.Warn("relay write failed",
					zap.String("direction", d.name),
					zap.Error(err))
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				p.log.Debug("session closed", zap.String("direction", d.name))
			} else {
				p.log.Warn("relay read failed",
					zap.String("direction", d.name),
					zap.Error(err))
			}
			return nil
		}
	}
}

// process consumes as many complete frames as pending holds and returns
// the unconsumed remainder. A stretch of bytes that cannot be a frame is
// forwarded verbatim so a confused or foreign stream still flows.
func (p *Proxy) process(engine *override.Engine, d direction, pending []byte) ([]byte, error) {
	for len(pending) > 0 {
		pkt, consumed, err := fesl.Decode(pending)
		if errors.Is(err, fesl.ErrIncompleteFrame) {
			return pending, nil
		}
		if err != nil {
			p.log.Debug("forwarding undecodable bytes",
				zap.String("direction", d.name),
				zap.Int("bytes", len(pending)),
				zap.Error(err))
			if _, werr := d.dst.Write(pending); werr != nil {
				return nil, werr
			}
			return nil, nil
		}

		frame := pending[:consumed]
		pending = pending[consumed:]

		if pkt.TXN() == "" {
			if _, werr := d.dst.Write(frame); werr != nil {
				return nil, werr
			}
			continue
		}

		decision, err := engine.Apply(pkt)
		if err != nil {
			return nil, err
		}

		out := frame
		if decision.Mutations > 0 {
			out = fesl.Encode(decision.Packet)
			p.log.Debug("message rewritten",
				zap.String("direction", d.name),
				zap.String("txn", decision.Packet.TXN()),
				zap.Int("mutations", decision.Mutations))
		}

		if ce := p.log.Check(zap.DebugLevel, "relayed frame"); ce != nil {
			ce.Write(zap.String("direction", d.name),
				zap.String("type", decision.Packet.Type),
				zap.String("txn", decision.Packet.TXN()),
				zap.Int("bytes", len(out)),
				zap.String("dump", hexDump(out)))
		}

		dst := d.dst
		if decision.ShortCircuit {
			dst = d.src
		}
		if _, werr := dst.Write(out); werr != nil {
			return nil, werr
		}
	}
	return pending, nil
}
