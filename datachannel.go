package webrtc

import (
	"io"
	"sync"

	"github.com/pion/datachannel"
	"github.com/pion/logging"
)

const dataChannelReceiveBufferSize = 16384

// DataChannel is the spec §3/§4.6 data-channel object: a label/protocol/
// reliability-policy tuple bound to one SCTP stream, exposing send/
// receive and ready-state notifications over github.com/pion/datachannel.
type DataChannel struct {
	mu sync.RWMutex

	id                *uint16 // nil until the SCTP association assigns one (spec §4.6 step 1)
	label             string
	protocol          string
	ordered           bool
	maxRetransmits    *uint16
	maxPacketLifeTime *uint16

	readyState DataChannelState

	transport *SCTPTransport
	inner     *datachannel.DataChannel

	log logging.LeveledLogger

	onOpenHandler        func()
	onCloseHandler       func()
	onErrorHandler       func(error)
	onMessageHandler     func(DataChannelMessage)
	onStateChangeHandler func(DataChannelState)
}

// newDataChannel constructs a DataChannel in the connecting state with
// no id and no bound stream, usable immediately (spec §4.6 step 1)
// whether or not the SCTP association exists yet.
func newDataChannel(params DataChannelParameters, loggerFactory logging.LoggerFactory) *DataChannel {
	return &DataChannel{
		label:             params.Label,
		protocol:          params.Protocol,
		ordered:           params.Ordered,
		maxRetransmits:    params.MaxRetransmits,
		maxPacketLifeTime: params.MaxPacketLifeTime,
		readyState:        DataChannelStateConnecting,
		log:               loggerFactory.NewLogger("datachannel"),
	}
}

// parameters reconstructs the DataChannelParameters this channel was
// created with, for SCTPTransport.openChannel to act on once the
// association becomes available.
func (d *DataChannel) parameters() DataChannelParameters {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return DataChannelParameters{
		Label:             d.label,
		Ordered:           d.ordered,
		MaxPacketLifeTime: d.maxPacketLifeTime,
		MaxRetransmits:    d.maxRetransmits,
		Protocol:          d.protocol,
	}
}

func (d *DataChannel) bind(transport *SCTPTransport, id uint16, inner *datachannel.DataChannel) {
	d.mu.Lock()
	d.transport = transport
	d.id = &id
	d.inner = inner
	d.mu.Unlock()
}

func (d *DataChannel) ID() *uint16       { d.mu.RLock(); defer d.mu.RUnlock(); return d.id }
func (d *DataChannel) Label() string    { d.mu.RLock(); defer d.mu.RUnlock(); return d.label }
func (d *DataChannel) Protocol() string { d.mu.RLock(); defer d.mu.RUnlock(); return d.protocol }
func (d *DataChannel) Ordered() bool    { d.mu.RLock(); defer d.mu.RUnlock(); return d.ordered }

func (d *DataChannel) MaxRetransmits() *uint16 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.maxRetransmits
}

func (d *DataChannel) MaxPacketLifeTime() *uint16 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.maxPacketLifeTime
}

func (d *DataChannel) ReadyState() DataChannelState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.readyState
}

func (d *DataChannel) setReadyState(state DataChannelState) {
	d.mu.Lock()
	d.readyState = state
	hdlr := d.onStateChangeHandler
	var openHdlr func()
	var closeHdlr func()
	if state == DataChannelStateOpen {
		openHdlr = d.onOpenHandler
	}
	if state == DataChannelStateClosed {
		closeHdlr = d.onCloseHandler
	}
	d.mu.Unlock()

	if hdlr != nil {
		hdlr(state)
	}
	if openHdlr != nil {
		openHdlr()
	}
	if closeHdlr != nil {
		closeHdlr()
	}
}

func (d *DataChannel) OnOpen(f func())                      { d.mu.Lock(); d.onOpenHandler = f; d.mu.Unlock() }
func (d *DataChannel) OnClose(f func())                     { d.mu.Lock(); d.onCloseHandler = f; d.mu.Unlock() }
func (d *DataChannel) OnError(f func(error))                { d.mu.Lock(); d.onErrorHandler = f; d.mu.Unlock() }
func (d *DataChannel) OnMessage(f func(DataChannelMessage)) { d.mu.Lock(); d.onMessageHandler = f; d.mu.Unlock() }

// OnStateChange registers the handler backing the
// data_channel_state_change(ref, state) notification (spec §3).
func (d *DataChannel) OnStateChange(f func(DataChannelState)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onStateChangeHandler = f
}

// readLoop pumps inbound SCTP messages, demultiplexing DCEP control
// traffic from user data (handled transparently by pion/datachannel's
// ReadDataChannel) and dispatching PPID-framed string/binary payloads to
// OnMessage (spec §4.6 "Sending data uses PPIDs... Receive maps them
// back").
func (d *DataChannel) readLoop() {
	buf := make([]byte, dataChannelReceiveBufferSize)
	for {
		d.mu.RLock()
		inner := d.inner
		d.mu.RUnlock()
		if inner == nil {
			return
		}

		n, isString, err := inner.ReadDataChannel(buf)
		if err == io.ErrShortBuffer {
			d.log.Warnf("dropping data channel message larger than %d bytes", dataChannelReceiveBufferSize)
			continue
		}
		if err != nil {
			d.setReadyState(DataChannelStateClosed)
			return
		}

		out := make([]byte, n)
		copy(out, buf[:n])

		d.mu.RLock()
		hdlr := d.onMessageHandler
		d.mu.RUnlock()
		if hdlr != nil {
			hdlr(DataChannelMessage{Data: out, IsString: isString})
		}
	}
}

// Send writes a binary message. An empty slice is passed through as-is;
// pion/datachannel's WriteDataChannel recognizes the zero length and
// frames it with the binary-empty PPID itself (spec §4.6).
func (d *DataChannel) Send(data []byte) error {
	inner, err := d.ensureOpen()
	if err != nil {
		return err
	}
	_, err = inner.WriteDataChannel(data, false)
	return err
}

// SendText writes a UTF-8 text message, same empty-message handling as Send.
func (d *DataChannel) SendText(s string) error {
	inner, err := d.ensureOpen()
	if err != nil {
		return err
	}
	_, err = inner.WriteDataChannel([]byte(s), true)
	return err
}

func (d *DataChannel) ensureOpen() (*datachannel.DataChannel, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.readyState != DataChannelStateOpen {
		return nil, &InvalidStateError{Err: ErrDataChannelNotOpen}
	}
	return d.inner, nil
}

// Close transitions the channel through the "closing" state (SPEC_FULL.md
// §D) before the underlying SCTP stream reset completes and the channel
// reaches "closed".
func (d *DataChannel) Close() error {
	d.mu.Lock()
	if d.readyState == DataChannelStateClosing || d.readyState == DataChannelStateClosed {
		d.mu.Unlock()
		return nil
	}
	inner := d.inner
	d.mu.Unlock()

	d.setReadyState(DataChannelStateClosing)

	if inner == nil {
		d.setReadyState(DataChannelStateClosed)
		return nil
	}

	err := inner.Close()
	d.setReadyState(DataChannelStateClosed)
	return err
}
