package tcp

import (
	"log/slog"

	"github.com/rs/xid"

	"github.com/lemonrock/tcpengine/internal"
)

// NIC is the minimal outbound packet sink this engine requires of its
// host: a single method to emit one fully-formed IP+TCP datagram. Kept
// deliberately narrow so the engine can
// be driven by anything from a raw socket to a virtual NIC in a test.
type NIC interface {
	WritePacket(dst []byte) error
}

// PMTUProvider supplies the path MTU to a given remote address, used to
// cap the MSS this engine advertises.
type PMTUProvider interface {
	PMTU(remoteAddr [16]byte, isIPv6 bool) uint16
}

// EventKind enumerates the connection lifecycle events an Interface
// reports to its owner.
type EventKind uint8

const (
	EventEstablished EventKind = iota
	EventClosed
	EventAborted
)

// Event is one connection lifecycle notification.
type Event struct {
	Kind   EventKind
	ConnID ConnID
	Corr   string // correlation ID minted per connection by newCorrelationID.
}

// Config configures an Interface. Following a Reset(config) idiom in
// place of a constructor, so the zero value is inert until Reset is
// called.
type Config struct {
	NIC          NIC
	PMTU         PMTUProvider
	Clock        internal.Clock
	Rand         internal.Rand
	Logger       *slog.Logger
	ListenPorts  []uint16
	MaxConns     int
	SendBufSize  int
	RecvWindow   Size
	MaxQueuedSegments int
	CongestionAlgorithm InitialWindowAlgorithm
	ECNEnabled   bool
	AuthKeys     map[[16]byte]AuthKey // peer address -> MD5 secret.
	Events       chan<- Event
	Metrics      *Metrics
}

// Interface is the top-level orchestrator: it owns the listener identity,
// the live connection table, the recent-peer and source-port caches, the
// SYN-cookie jar, and the three independent timer wheels (// "Interface"). Grounded on soypat-lneto/tcp/listener.go's mutex-guarded
// Demux/Encapsulate dispatch pattern, generalized from a single-listener
// connection pool to a full engine covering both passive and active opens.
type Interface struct {
	cfg Config

	listenPorts map[uint16]bool
	conns       connTable
	byHash      map[uint64]*trackedConn
	recentPeers recentPeerCache
	ports       sourcePortChooser
	cookies     SYNCookieJar

	rtoWheel         TimerWheel
	keepAliveWheel   TimerWheel
	userTimeoutWheel TimerWheel

	connSeq uint64 // monotonic counter handed out by nextConnSeq.
	nowTick uint64 // most recent tick seen by Tick, for RTO retransmit bookkeeping.

	internal.Logger
}

// Reset (re)initialises the Interface. now is the current coarse tick,
// used to seed the timer wheels and SYN-cookie key generations.
func (ifc *Interface) Reset(cfg Config, now uint64) error {
	if cfg.NIC == nil || cfg.Clock == nil || cfg.Rand == nil {
		return errInvalidConfig
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 1024
	}
	if cfg.SendBufSize <= 0 {
		cfg.SendBufSize = 64 << 10
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 64 << 10
	}
	if cfg.MaxQueuedSegments <= 0 {
		cfg.MaxQueuedSegments = 32
	}

	*ifc = Interface{cfg: cfg}
	ifc.Logger = internal.Logger{Log: cfg.Logger}
	ifc.listenPorts = make(map[uint16]bool, len(cfg.ListenPorts))
	for _, p := range cfg.ListenPorts {
		ifc.listenPorts[p] = true
	}
	ifc.conns.Reset()
	ifc.byHash = make(map[uint64]*trackedConn, cfg.MaxConns)
	ifc.recentPeers.Reset(cfg.MaxConns, maximumSegmentLifetimeTicks)
	ifc.ports.Reset(cfg.ListenPorts...)
	ifc.rtoWheel.Reset(now)
	ifc.keepAliveWheel.Reset(now)
	ifc.userTimeoutWheel.Reset(now)
	return ifc.cookies.Reset(SYNCookieConfig{Rand: cfg.Rand}, now)
}

// maximumSegmentLifetimeTicks is 2*MSL expressed in coarse ticks, assuming
// the conventional 120s MSL at a 128ms tick.
const maximumSegmentLifetimeTicks = 2 * 120_000 / 128

// Tick advances every owned timer wheel and rotates the SYN-cookie key if
// due. Call this once per coarse tick.
func (ifc *Interface) Tick(now uint64) {
	ifc.nowTick = now
	ifc.cookies.Rotate(now, ifc.cfg.Rand)
	ifc.rtoWheel.Progress(now, ifc.onRTOAlarm)
	ifc.keepAliveWheel.Progress(now, ifc.onKeepAliveAlarm)
	ifc.userTimeoutWheel.Progress(now, ifc.onUserTimeoutAlarm)
}

func (ifc *Interface) nextConnSeq() uint64 {
	ifc.connSeq++
	return ifc.connSeq
}

// newCorrelationID mints a correlation identifier for logs/events spanning
// one connection's lifetime, following the observability idiom shown by
// the rest of the retrieved corpus's exporter tooling.
func newCorrelationID() string { return xid.New().String() }

func (ifc *Interface) emit(ev Event) {
	if ifc.cfg.Events == nil {
		return
	}
	select {
	case ifc.cfg.Events <- ev:
	default:
		if ifc.cfg.Metrics != nil {
			ifc.cfg.Metrics.eventsDropped.Inc()
		}
	}
}

// onRTOAlarm is invoked by the retransmission-and-zero-window-probe wheel
// when a connection's RTO expires.
func (ifc *Interface) onRTOAlarm(connIDHash uint64) {
	conn := ifc.connByHash(connIDHash)
	if conn == nil {
		return
	}
	conn.cb.rto.BackOff()
	if ifc.cfg.Metrics != nil {
		ifc.cfg.Metrics.retransmitTimeouts.Inc()
	}

	switch {
	case conn.cb.State() == StateSynSent:
		// RFC 6298 §5.7: no RTT sample exists yet and nothing is in the
		// retransmission queue (the SYN itself isn't a txQueue descriptor),
		// so the actively-opened connection's bare SYN is resent directly.
		buf := make([]byte, sizeHeaderTCP+40)
		if n, err := ifc.SendSYN(buf, conn.id, conn.cb.ISS(), conn.synMSS, conn.cb.RecvWindow(), conn.authKey); err == nil {
			if err := ifc.cfg.NIC.WritePacket(buf[:n]); err != nil {
				ifc.Debug("tcp: SYN retransmit write failed")
			}
		}
	case conn.cb.State().IsSynchronized() && conn.tx.Oldest() != nil:
		if conn.tx.Oldest().retransmits == 0 {
			conn.cb.cc.OnFirstRetransmission()
		}
		conn.cb.cc.OnRetransmissionTimeout()
		buf := make([]byte, sizeHeaderTCP+int(conn.tx.Oldest().size)+40)
		if n, err := ifc.SendRetransmit(buf, conn); err == nil {
			if err := ifc.cfg.NIC.WritePacket(buf[:n]); err != nil {
				ifc.Debug("tcp: retransmit write failed")
			}
			conn.tx.MarkRetransmitted(ifc.nowTick)
		}
	}
	ifc.scheduleRTO(conn)
}

// onKeepAliveAlarm sends a keep-alive probe every time the alarm fires and
// re-arms it; it does not check how long the connection has been idle.
func (ifc *Interface) onKeepAliveAlarm(connIDHash uint64) {
	conn := ifc.connByHash(connIDHash)
	if conn == nil {
		return
	}
	buf := make([]byte, sizeHeaderTCP+40)
	if n, err := ifc.SendKeepAlive(buf, conn); err == nil {
		if err := ifc.cfg.NIC.WritePacket(buf[:n]); err == nil && ifc.cfg.Metrics != nil {
			ifc.cfg.Metrics.keepAlivesSent.Inc()
		}
	}
	ifc.keepAliveWheel.Schedule(keepAliveIntervalTicks, connIDHash)
}

// onUserTimeoutAlarm tears down a connection whose user timeout elapsed
// without any acknowledged progress.
func (ifc *Interface) onUserTimeoutAlarm(connIDHash uint64) {
	conn := ifc.connByHash(connIDHash)
	if conn == nil {
		return
	}
	ifc.abortConnection(conn)
}

const keepAliveIntervalTicks = 75_000 / 128 // ~75s, the conventional default keep-alive interval.

// synSentUserTimeoutTicks bounds how long an actively-opened connection
// waits in SynSent for a SYN-ACK before the user timeout tears it down
// (RFC 9293 §3.10.1, RFC 793's traditional 75s connection-establishment
// timeout).
const synSentUserTimeoutTicks = 75_000 / 128

// connByHash resolves a timer wheel's uint64 key back to its *trackedConn
// through the byHash side table kept alongside connTable.
func (ifc *Interface) connByHash(hash uint64) *trackedConn { return ifc.byHash[hash] }

// trackedConn pairs a ControlBlock with the send-ring/retransmission queue
// and bookkeeping the Interface needs to drive it.
type trackedConn struct {
	id      ConnID
	cb      ControlBlock
	tx      txQueue
	corr    string
	authKey []byte // nil if MD5 auth is not configured for this peer.
	synMSS  uint16 // MSS advertised in our own SYN, replayed on SYN retransmit.
}

// Connect actively opens a connection to remoteAddr:remotePort from
// localAddr (RFC 9293 §3.10.1's active OPEN): it chooses a free ephemeral
// source port, mints a random ISS, transmits the initial SYN, and tracks
// the new ControlBlock in StateSynSent. HandleSegment completes the
// handshake once the peer's SYN-ACK arrives, at which point the SynSent
// user timeout is cancelled in favor of the ordinary keep-alive wheel.
func (ifc *Interface) Connect(localAddr, remoteAddr [16]byte, remotePort uint16, isIPv6 bool, authKey []byte, now uint64) (ConnID, error) {
	mss := uint16(536)
	if ifc.cfg.PMTU != nil {
		if pmtu := ifc.cfg.PMTU.PMTU(remoteAddr, isIPv6); pmtu > 40 && pmtu-40 < mss {
			mss = pmtu - 40
		}
	}

	localPort, ok := ifc.ports.Choose()
	if !ok {
		return ConnID{}, errConnNotExist
	}
	id := ConnID{LocalPort: localPort, RemotePort: remotePort, LocalAddr: localAddr, RemoteAddr: remoteAddr, IsIPv6: isIPv6}
	if _, exists := ifc.connByID(id); exists {
		ifc.ports.Release(localPort)
		return ConnID{}, errConnNotExist
	}

	iss := Value(ifc.cfg.Rand.Uint32())
	conn := &trackedConn{id: id, corr: newCorrelationID(), authKey: authKey, synMSS: mss}
	conn.cb.NewSynSent(iss, ifc.cfg.RecvWindow)
	conn.cb.cc.Reset(ifc.cfg.CongestionAlgorithm, ifc.cfg.ECNEnabled, now, mss, ifc.ssthreshHint(remoteAddr))
	conn.cb.rto.Reset()
	if err := conn.tx.Reset(make([]byte, ifc.cfg.SendBufSize), ifc.cfg.MaxQueuedSegments, iss+1); err != nil {
		ifc.ports.Release(localPort)
		return ConnID{}, err
	}

	ifc.conns.Put(id, &conn.cb)
	ifc.byHash[connHash(id)] = conn
	ifc.scheduleRTO(conn)
	// RFC 9293 §3.10.1/§4.7: the user timeout is armed only by the active
	// side while it waits in SynSent; the passive/cookie path never arms it
	// since it has no half-open state to time out.
	ifc.userTimeoutWheel.Schedule(synSentUserTimeoutTicks, connHash(id))

	buf := make([]byte, sizeHeaderTCP+40)
	n, err := ifc.SendSYN(buf, id, iss, mss, ifc.cfg.RecvWindow, authKey)
	if err != nil {
		ifc.abortConnection(conn)
		return ConnID{}, err
	}
	if err := ifc.cfg.NIC.WritePacket(buf[:n]); err != nil {
		ifc.abortConnection(conn)
		return ConnID{}, err
	}
	return id, nil
}

func (ifc *Interface) scheduleRTO(conn *trackedConn) {
	ifc.rtoWheel.Schedule(conn.cb.rto.Timeout()/128, connHash(conn.id))
}

func (ifc *Interface) abortConnection(conn *trackedConn) {
	ifc.conns.Delete(conn.id)
	delete(ifc.byHash, connHash(conn.id))
	ifc.ports.Release(conn.id.LocalPort)
	ifc.emit(Event{Kind: EventAborted, ConnID: conn.id, Corr: conn.corr})
}

func connHash(id ConnID) uint64 {
	k := id.key()
	h := uint64(k.ports)
	for _, b := range k.a {
		h = h*1099511628211 ^ uint64(b)
	}
	for _, b := range k.b {
		h = h*1099511628211 ^ uint64(b)
	}
	if k.v6 {
		h ^= 1
	}
	return h
}
