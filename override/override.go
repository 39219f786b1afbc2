// Package override decides, per decoded packet, whether the proxy passes
// it through, mutates it, replaces it, or answers the sender itself.
//
// The engine is an ordered list of guarded rules matched by service type,
// transmission kind and transaction name. More than one rule may fire on
// the same packet; the decision accumulates a mutation count across all of
// them. A short-circuiting rule is terminal: no later rule runs for that
// packet and the relay must write the result back to the sender instead of
// forwarding it.
//
// # Login Substitution Chain
//
// The engine can complete the backend login itself using configured
// credentials while presenting a consistent success to the original
// client. Per connection the chain progresses
//
//	Idle -> RequestSubstituted -> PersonaListRequested ->
//	PersonaSelected -> Completed
//
// driven by four observations: the console login request (replaced with a
// direct credential login), the credential login response (answered with a
// persona listing request), the persona listing response (answered with a
// persona selection request), and the persona selection response (replaced
// with the platform login completion the client has been waiting for).
// Packets the chain does not recognize pass through it untouched.
//
// Engine state is shared by both relay directions and guarded internally,
// so a response-direction rule may safely consume state recorded by a
// request-direction rule.
package override

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/valters-tomsons/arcadia-bfbc/config"
	"github.com/valters-tomsons/arcadia-bfbc/fesl"
)

// ErrTicketDumped is returned by Apply after the client's authentication
// ticket has been captured through the log. The connection must terminate;
// this is intentional, not a failure.
var ErrTicketDumped = errors.New("override: client ticket dumped, terminating session")

// spoofedPlatform is the platform identity presented to the backend when
// platform spoofing is enabled.
const spoofedPlatform = "ps3"

// Transaction names the engine acts on.
const (
	txnHello        = "Hello"
	txnConsoleLogin = "NuPS3Login"
	txnDirectLogin  = "NuLogin"
	txnGetPersonas  = "NuGetPersonas"
	txnLoginPersona = "NuLoginPersona"
	txnPlayNow      = "Status"
)

// Service type tags the engine acts on.
const (
	typeSystem  = "fsys"
	typeAccount = "acct"
	typePlayNow = "pnow"
)

// Decision is the engine's verdict for one packet.
type Decision struct {
	// Packet is the message to act on. Identical to the input when no
	// rule fired; a mutated or wholly synthesized packet otherwise.
	Packet *fesl.Packet

	// Mutations counts the independent rule mutations applied.
	Mutations int

	// ShortCircuit instructs the relay to write Packet back to the
	// sender and forward nothing for this exchange.
	ShortCircuit bool
}

// Stage tracks the login substitution chain per connection.
type Stage int

const (
	StageIdle Stage = iota
	StageRequestSubstituted
	StagePersonaListRequested
	StagePersonaSelected
	StageCompleted
)

// String returns the stage name for logging.
func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageRequestSubstituted:
		return "request-substituted"
	case StagePersonaListRequested:
		return "persona-list-requested"
	case StagePersonaSelected:
		return "persona-selected"
	case StageCompleted:
		return "completed"
	default:
		return "stage(" + strconv.Itoa(int(s)) + ")"
	}
}

// rule is one guarded mutation. match inspects the current packet of a
// decision; apply performs the mutation and bumps the mutation count.
// apply returns an error only for the diagnostic abort.
type rule struct {
	name  string
	match func(p *fesl.Packet) bool
	apply func(d *Decision) error
}

// Engine evaluates the configured rule set against decoded packets and
// holds the per-connection session state the rules correlate through.
// One Engine serves exactly one proxied connection.
type Engine struct {
	cfg   config.Settings
	log   *zap.Logger
	rules []rule

	mu sync.Mutex
	// stage of the login substitution chain.
	stage Stage
	// personaName is remembered from the persona listing response and
	// consumed when synthesizing the login completion.
	personaName string
	// originalPartition is the partition value before the platform
	// rewrite, restored into responses so the client never observes
	// the rewrite. Retained for the connection's lifetime.
	originalPartition string
}

// NewEngine builds the rule set for one connection. Rules fire in the
// order registered here; a disabled configuration value simply makes the
// corresponding guard never match.
func NewEngine(cfg config.Settings, log *zap.Logger) *Engine {
	e := &Engine{cfg: cfg, log: log}
	e.rules = []rule{
		{"dump-client-ticket", e.matchTicketDump, e.dumpTicket},
		{"override-client-ticket", e.matchTicketOverride, e.overrideTicket},
		{"spoof-client-string", e.matchClientString, e.spoofClientString},
		{"rewrite-partition", e.matchPartitionRewrite, e.rewritePartition},
		{"override-theater-ip", e.matchTheaterIP, e.overrideTheaterIP},
		{"override-theater-port", e.matchTheaterPort, e.overrideTheaterPort},
		{"restore-partition", e.matchPartitionRestore, e.restorePartition},
		{"substitute-credential-login", e.matchConsoleLogin, e.substituteLogin},
		{"request-persona-list", e.matchDirectLoginResponse, e.requestPersonaList},
		{"select-persona", e.matchPersonaList, e.selectPersona},
		{"complete-login", e.matchPersonaLoginResponse, e.completeLogin},
		{"replace-playnow-status", e.matchPlayNowStatus, e.replacePlayNowStatus},
	}
	return e
}

// Stage returns the current chain stage. Primarily for observability.
func (e *Engine) Stage() Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stage
}

// Apply evaluates every rule in order against the packet. Packets without
// a transaction name are never actionable and come back unchanged. The
// returned error is ErrTicketDumped when the diagnostic abort fired.
func (e *Engine) Apply(p *fesl.Packet) (Decision, error) {
	d := Decision{Packet: p}
	if p.TXN() == "" {
		return d, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range e.rules {
		if !r.match(d.Packet) {
			continue
		}
		if err := r.apply(&d); err != nil {
			return d, err
		}
		e.log.Debug("override rule fired",
			zap.String("rule", r.name),
			zap.String("txn", d.Packet.TXN()),
			zap.Bool("shortCircuit", d.ShortCircuit))
		if d.ShortCircuit {
			break
		}
	}
	return d, nil
}

func is(p *fesl.Packet, typ, txn string) bool {
	return p.Type == typ && p.TXN() == txn
}

func hasValue(p *fesl.Packet, key string) bool {
	v, ok := p.Get(key)
	return ok && v != ""
}

// --- Diagnostic abort -------------------------------------------------

func (e *Engine) matchTicketDump(p *fesl.Packet) bool {
	return e.cfg.DumpTicket && p.Kind.IsRequest() && hasValue(p, "ticket")
}

func (e *Engine) dumpTicket(d *Decision) error {
	ticket, _ := d.Packet.Get("ticket")
	e.log.Info("client ticket captured",
		zap.String("txn", d.Packet.TXN()),
		zap.String("ticket", ticket))
	return ErrTicketDumped
}

// --- Field overrides --------------------------------------------------

func (e *Engine) matchTicketOverride(p *fesl.Packet) bool {
	return e.cfg.ClientTicket != "" && p.Kind.IsRequest() &&
		is(p, typeAccount, txnConsoleLogin) && hasValue(p, "ticket")
}

func (e *Engine) overrideTicket(d *Decision) error {
	d.Packet.Set("ticket", e.cfg.ClientTicket)
	d.Mutations++
	return nil
}

func (e *Engine) matchTheaterIP(p *fesl.Packet) bool {
	return e.cfg.TheaterHost != "" && p.Kind.IsResponse() && is(p, typeSystem, txnHello)
}

func (e *Engine) overrideTheaterIP(d *Decision) error {
	d.Packet.Set("theaterIp", e.cfg.TheaterHost)
	d.Mutations++
	return nil
}

func (e *Engine) matchTheaterPort(p *fesl.Packet) bool {
	return e.cfg.TheaterPort != 0 && p.Kind.IsResponse() && is(p, typeSystem, txnHello)
}

func (e *Engine) overrideTheaterPort(d *Decision) error {
	d.Packet.Set("theaterPort", strconv.Itoa(e.cfg.TheaterPort))
	d.Mutations++
	return nil
}

// --- Platform spoofing ------------------------------------------------

func (e *Engine) matchClientString(p *fesl.Packet) bool {
	if !e.cfg.SpoofPlatform || !p.Kind.IsRequest() || !is(p, typeSystem, txnHello) {
		return false
	}
	v, ok := p.Get("clientString")
	return ok && strings.Contains(v, "-pc")
}

func (e *Engine) spoofClientString(d *Decision) error {
	v, _ := d.Packet.Get("clientString")
	d.Packet.Set("clientString", strings.Replace(v, "-pc", "-"+spoofedPlatform, 1))
	d.Mutations++
	return nil
}

func (e *Engine) matchPartitionRewrite(p *fesl.Packet) bool {
	return e.cfg.SpoofPlatform && p.Kind.IsRequest() &&
		is(p, typeSystem, txnHello) && hasValue(p, "partition.partition")
}

// rewritePartition swaps the platform segment of the partition path and
// remembers the original so the matching response can be unrewritten.
// The path is structural, so it is split and rejoined on the separator
// rather than pattern-matched.
func (e *Engine) rewritePartition(d *Decision) error {
	original, _ := d.Packet.Get("partition.partition")
	segments := strings.Split(original, "/")
	if len(segments) < 2 {
		return nil
	}
	// "/xyz/region" splits as ["", "xyz", "region"]; index 1 is the
	// platform segment.
	segments[1] = spoofedPlatform
	rewritten := strings.Join(segments, "/")
	if rewritten == original {
		return nil
	}
	e.originalPartition = original
	d.Packet.Set("partition.partition", rewritten)
	d.Mutations++
	return nil
}

func (e *Engine) matchPartitionRestore(p *fesl.Packet) bool {
	return e.cfg.SpoofPlatform && p.Kind.IsResponse() &&
		is(p, typeSystem, txnHello) && e.originalPartition != ""
}

// restorePartition overwrites the response partition with the pre-rewrite
// value regardless of what the upstream returned there. The remembered
// value is retained: later responses may need it too.
func (e *Engine) restorePartition(d *Decision) error {
	d.Packet.Set("id.partition", e.originalPartition)
	d.Mutations++
	return nil
}

// --- Login substitution chain -----------------------------------------

func (e *Engine) matchConsoleLogin(p *fesl.Packet) bool {
	return e.cfg.CredentialOverride() && e.stage == StageIdle &&
		p.Kind.IsRequest() && is(p, typeAccount, txnConsoleLogin)
}

// substituteLogin replaces the console ticket login with a direct
// credential login. The client's MAC address is kept unless overridden,
// and the terms-of-service version is carried over when present.
func (e *Engine) substituteLogin(d *Decision) error {
	orig := d.Packet
	np := fesl.New(typeAccount, fesl.KindSingleRequest, orig.CorrelationID)
	np.Set(fesl.TransactionKey, txnDirectLogin)
	np.Set("returnEncryptedInfo", "0")
	np.Set("nuid", e.cfg.AccountEmail)
	np.Set("password", e.cfg.AccountPassword)

	mac := e.cfg.MacAddr
	if mac == "" {
		mac, _ = orig.Get("macAddr")
	}
	np.Set("macAddr", mac)

	if tos, ok := orig.Get("tosVersion"); ok {
		np.Set("tosVersion", tos)
	}

	d.Packet = np
	d.Mutations++
	e.stage = StageRequestSubstituted
	e.log.Info("substituted console login with account credentials",
		zap.String("nuid", e.cfg.AccountEmail))
	return nil
}

func (e *Engine) matchDirectLoginResponse(p *fesl.Packet) bool {
	return e.cfg.CredentialOverride() && e.stage == StageRequestSubstituted &&
		p.Kind.IsResponse() && is(p, typeAccount, txnDirectLogin) && hasValue(p, "lkey")
}

// requestPersonaList keeps the credential login response away from the
// client and continues the handshake against the upstream itself.
func (e *Engine) requestPersonaList(d *Decision) error {
	np := fesl.New(typeAccount, fesl.KindSingleRequest, d.Packet.CorrelationID)
	np.Set(fesl.TransactionKey, txnGetPersonas)
	d.Packet = np
	d.Mutations++
	d.ShortCircuit = true
	e.stage = StagePersonaListRequested
	return nil
}

func (e *Engine) matchPersonaList(p *fesl.Packet) bool {
	return e.cfg.CredentialOverride() && e.stage == StagePersonaListRequested &&
		p.Kind.IsResponse() && is(p, typeAccount, txnGetPersonas) && hasValue(p, "personas.0")
}

func (e *Engine) selectPersona(d *Decision) error {
	persona, _ := d.Packet.Get("personas.0")
	e.personaName = persona

	np := fesl.New(typeAccount, fesl.KindSingleRequest, d.Packet.CorrelationID)
	np.Set(fesl.TransactionKey, txnLoginPersona)
	np.Set("name", persona)
	d.Packet = np
	d.Mutations++
	d.ShortCircuit = true
	e.stage = StagePersonaSelected
	e.log.Info("selecting persona", zap.String("persona", persona))
	return nil
}

func (e *Engine) matchPersonaLoginResponse(p *fesl.Packet) bool {
	return e.cfg.CredentialOverride() && e.stage == StagePersonaSelected &&
		e.personaName != "" && p.Kind.IsResponse() &&
		is(p, typeAccount, txnLoginPersona) && hasValue(p, "lkey")
}

// completeLogin fabricates the console login response the client has been
// waiting on since its original request, completing the illusion that its
// own login succeeded. Forwarded normally, not short-circuited.
func (e *Engine) completeLogin(d *Decision) error {
	lkey, _ := d.Packet.Get("lkey")
	userID, _ := d.Packet.Get("userId")

	np := fesl.New(typeAccount, fesl.KindSingleResponse, d.Packet.CorrelationID)
	np.Set(fesl.TransactionKey, txnConsoleLogin)
	np.Set("userId", userID)
	np.Set("personaName", e.personaName)
	np.Set("lkey", lkey)
	d.Packet = np
	d.Mutations++
	e.stage = StageCompleted
	e.log.Info("login substitution complete",
		zap.String("persona", e.personaName),
		zap.String("userId", userID))
	return nil
}

// --- Matchmaking replacement ------------------------------------------

func (e *Engine) matchPlayNowStatus(p *fesl.Packet) bool {
	return e.cfg.GameID != 0 && p.Kind.IsResponse() && is(p, typePlayNow, txnPlayNow)
}

// replacePlayNowStatus discards the matchmaking result and fabricates a
// completed search pointing at the configured game session.
func (e *Engine) replacePlayNowStatus(d *Decision) error {
	orig := d.Packet
	np := fesl.New(typePlayNow, fesl.KindSingleResponse, orig.CorrelationID)
	np.Set(fesl.TransactionKey, txnPlayNow)
	if id, ok := orig.Get("id.id"); ok {
		np.Set("id.id", id)
	} else {
		np.Set("id.id", "1")
	}
	if part, ok := orig.Get("id.partition"); ok {
		np.Set("id.partition", part)
	}
	np.Set("sessionState", "COMPLETE")
	np.Set("props.{}.resultType", "JOIN")
	np.Set("props.{games}.0.lid", strconv.FormatInt(e.cfg.LobbyID, 10))
	np.Set("props.{games}.0.fit", "1000")
	np.Set("props.{games}.0.gid", strconv.FormatInt(e.cfg.GameID, 10))
	d.Packet = np
	d.Mutations++
	e.log.Info("replaced matchmaking status with fixed session",
		zap.Int64("gid", e.cfg.GameID),
		zap.Int64("lid", e.cfg.LobbyID))
	return nil
}
