package pubsub

import (
	"io"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/relayflow/transport"
)

// Assemble creates the publisher, then the subscriber, and wraps both in a
// Transport. If any step fails, everything created so far is closed along
// with closers.
func Assemble(
	caps transport.Capabilities,
	logger watermill.LoggerAdapter,
	newPublisher func() (message.Publisher, error),
	newSubscriber func() (message.Subscriber, error),
	closers ...io.Closer,
) (transport.Transport, error) {
	release := func(extra ...io.Closer) {
		for _, c := range append(extra, closers...) {
			if c != nil {
				_ = c.Close()
			}
		}
	}

	pub, err := newPublisher()
	if err != nil {
		release()
		return nil, err
	}
	sub, err := newSubscriber()
	if err != nil {
		release(pub)
		return nil, err
	}

	t, err := New(Config{
		Publisher:    pub,
		Subscriber:   sub,
		Capabilities: caps,
		Logger:       logger,
		Closers:      closers,
	})
	if err != nil {
		release(sub, pub)
		return nil, err
	}
	return t, nil
}
