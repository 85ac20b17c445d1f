// Package output publishes completed frame results on a ZeroMQ PUB
// socket. Downstream alarm/analysis consumers subscribe with SUB sockets;
// with no subscribers connected, messages vanish (PUB/SUB semantics).
package output

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/huangchao99/infer-server/pkg/nn"
	zmq "github.com/pebbe/zmq4"
)

// sendHighWaterMark bounds the socket's outbound queue; messages beyond it
// are dropped for the duration of the overflow.
const sendHighWaterMark = 100

const lingerTime = 1000 * time.Millisecond

// Publisher is a PUB socket bound to the configured endpoint. Sends are
// serialized by a mutex; the actual IO happens on libzmq's own thread.
type Publisher struct {
	log      logs.Log
	endpoint string

	mu     sync.Mutex
	socket *zmq.Socket

	initialized atomic.Bool
	published   atomic.Uint64
	dropped     atomic.Uint64
}

func NewPublisher(logger logs.Log, endpoint string) *Publisher {
	return &Publisher{
		log:      logger,
		endpoint: endpoint,
	}
}

// Init creates and binds the PUB socket.
func (p *Publisher) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized.Load() {
		p.log.Warnf("ZmqPublisher already initialized")
		return nil
	}

	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	if err := socket.SetSndhwm(sendHighWaterMark); err != nil {
		socket.Close()
		return err
	}
	if err := socket.SetLinger(lingerTime); err != nil {
		socket.Close()
		return err
	}
	if err := socket.Bind(p.endpoint); err != nil {
		socket.Close()
		return err
	}

	p.socket = socket
	p.initialized.Store(true)
	p.log.Infof("ZmqPublisher initialized: %v", p.endpoint)
	return nil
}

// Publish serializes the result to JSON and sends it as a single-part
// non-blocking message. Overflow beyond the high-water mark drops the
// message silently; only the counter records it.
func (p *Publisher) Publish(result *nn.FrameResult) {
	if !p.initialized.Load() {
		return
	}
	msg, err := json.Marshal(result)
	if err != nil {
		p.log.Errorf("ZmqPublisher: serialize failed: %v", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.socket == nil {
		return
	}
	if _, err := p.socket.SendBytes(msg, zmq.DONTWAIT); err != nil {
		if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
			p.dropped.Add(1)
		} else {
			p.log.Warnf("ZmqPublisher: send failed: %v", err)
		}
		return
	}
	p.published.Add(1)
}

// Shutdown closes the socket, waiting at most the linger time for queued
// messages to flush.
func (p *Publisher) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized.Swap(false) {
		return
	}
	p.log.Infof("ZmqPublisher shutting down (published %v messages)", p.published.Load())
	if p.socket != nil {
		p.socket.Close()
		p.socket = nil
	}
}

func (p *Publisher) IsInitialized() bool {
	return p.initialized.Load()
}

func (p *Publisher) PublishedCount() uint64 {
	return p.published.Load()
}

func (p *Publisher) DroppedCount() uint64 {
	return p.dropped.Load()
}

func (p *Publisher) Endpoint() string {
	return p.endpoint
}
