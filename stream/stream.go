// Package stream adapts communicators to iterators, so that a sequence of
// messages can be sent or consumed with a range loop.
package stream

import (
	"context"
	"errors"
	"iter"

	"github.com/creachadair/commux"
	"github.com/creachadair/commux/wire"
)

// ErrOverrun is reported by a [Receive] stream whose buffer overflowed.
var ErrOverrun = errors.New("stream: receive buffer overrun")

// A Delivery is a message received from a target.
type Delivery struct {
	Source  string
	Message *wire.Message
}

// Send sends each message of msgs to target, in order, as part of the given
// session. The session ID of each message is set to session, and sequence
// IDs are assigned from 1. Send waits for queue capacity for each message,
// and reports the number of messages queued before the first error.
func Send(ctx context.Context, c *commux.Communicator, target string, session uint32, msgs iter.Seq[*wire.Message]) (int, error) {
	var n int
	for msg := range msgs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		msg.SessionID = session
		msg.SequenceID = uint32(n + 1)
		if err := c.SendMessage(ctx, target, msg, commux.SendConfig{}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Receive installs a message handler on c and yields the messages it
// receives until ctx ends or the consumer stops. The handler is removed when
// the stream ends.
//
// Up to size messages are buffered between the handler and the consumer. If
// the buffer overflows, the stream ends with [ErrOverrun]. If ctx ends, the
// stream ends with the error from ctx. Otherwise the stream yields (d, nil)
// values.
func Receive(ctx context.Context, c *commux.Communicator, size int) iter.Seq2[Delivery, error] {
	return func(yield func(Delivery, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// Handlers run synchronously with the aggregator's receive path, so
		// they must not wait for the consumer.
		vals := make(chan Delivery, max(size, 1))
		overrun := make(chan struct{})
		c.OnMessage(func(src string, msg *wire.Message) {
			select {
			case <-ctx.Done():
			case <-overrun:
			case vals <- Delivery{Source: src, Message: msg}:
			default:
				close(overrun)
			}
		})
		defer c.OnMessage(nil)

		for {
			select {
			case d := <-vals:
				if !yield(d, nil) {
					return
				}
			case <-overrun:
				yield(Delivery{}, ErrOverrun)
				return
			case <-ctx.Done():
				yield(Delivery{}, ctx.Err())
				return
			}
		}
	}
}

// Collect receives messages of the given session from c until n have
// arrived, and returns them ordered by sequence ID. Messages of other
// sessions are discarded.
func Collect(ctx context.Context, c *commux.Communicator, session uint32, n int) ([]Delivery, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]Delivery, n)
	var got int
	for d, err := range Receive(ctx, c, n) {
		if err != nil {
			return nil, err
		}
		msg := d.Message
		if msg.SessionID != session || msg.SequenceID == 0 || int(msg.SequenceID) > n {
			continue
		}
		if out[msg.SequenceID-1].Message == nil {
			got++
		}
		out[msg.SequenceID-1] = d
		if got == n {
			break
		}
	}
	return out, nil
}
