package publish

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pebbe/zmq4"

	"thermal-panel-go/internal/output"
	"thermal-panel-go/internal/types"
)

// Publisher fans every frame out on a ZMQ PUB socket as a CBOR frame
// record. The socket is owned by one goroutine; Publish never blocks and
// drops frames when the queue is full.
type Publisher struct {
	endpoint string
	queue    chan []byte
	done     chan struct{}
	once     sync.Once
	sent     atomic.Uint64
	dropped  atomic.Uint64
}

// NewPublisher binds a PUB socket to endpoint, e.g. "tcp://*:5556".
func NewPublisher(endpoint string, queueSize int) (*Publisher, error) {
	socket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	if err := socket.SetSndhwm(64); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if queueSize < 1 {
		queueSize = 16
	}
	p := &Publisher{
		endpoint: endpoint,
		queue:    make(chan []byte, queueSize),
		done:     make(chan struct{}),
	}
	go p.run(socket)
	log.Printf("publish bound %s", endpoint)
	return p, nil
}

func (p *Publisher) run(socket *zmq4.Socket) {
	defer close(p.done)
	defer socket.Close()
	for msg := range p.queue {
		if _, err := socket.SendBytes(msg, zmq4.DONTWAIT); err != nil {
			p.dropped.Add(1)
			continue
		}
		p.sent.Add(1)
	}
}

// Publish encodes frame with its stats and queues it for sending.
func (p *Publisher) Publish(frame types.Frame, stats *types.FrameStats) error {
	msg, err := output.EncodeFrameCBOR(frame, stats)
	if err != nil {
		return err
	}
	select {
	case p.queue <- msg:
	default:
		p.dropped.Add(1)
	}
	return nil
}

func (p *Publisher) Sent() uint64 {
	return p.sent.Load()
}

func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Close stops accepting frames, flushes the queue and closes the socket.
// Publish must not be called after Close.
func (p *Publisher) Close() {
	p.once.Do(func() {
		close(p.queue)
		<-p.done
	})
}

// Subscribe connects a SUB socket to endpoint and yields decoded frames
// until ctx is done.
func Subscribe(ctx context.Context, endpoint string) (<-chan types.Frame, error) {
	socket, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return nil, err
	}
	if err := socket.SetSubscribe(""); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.SetRcvtimeo(200 * time.Millisecond); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}

	out := make(chan types.Frame, 16)
	go func() {
		defer close(out)
		defer socket.Close()

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msg, err := socket.RecvBytes(0)
			if err != nil {
				// receive timeout, check ctx again
				continue
			}
			frame, err := output.DecodeFrameCBOR(msg)
			if err != nil {
				log.Printf("publish subscriber skipped message: %v", err)
				continue
			}

			select {
			case <-ctx.Done():
				return
			case out <- frame:
			}
		}
	}()
	return out, nil
}
