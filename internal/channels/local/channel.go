// Package local is a console adapter: lines from stdin become inbound
// messages, outbound messages print to stdout. Useful for development and
// smoke testing without platform credentials.
package local

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/mozihq/mozi/internal/bus"
	"github.com/mozihq/mozi/internal/channels"
)

const defaultPeerID = "local"

// Channel is the stdin/stdout adapter.
type Channel struct {
	*channels.BaseChannel
	peerID string
	in     io.Reader
	out    io.Writer
	seq    atomic.Int64
	cancel context.CancelFunc
}

// New creates a local channel. peerID defaults to "local".
func New(peerID string, msgBus *bus.MessageBus) *Channel {
	if peerID == "" {
		peerID = defaultPeerID
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("local", msgBus, nil),
		peerID:      peerID,
		in:          os.Stdin,
		out:         os.Stdout,
	}
}

// Start begins reading lines from stdin.
func (c *Channel) Start(ctx context.Context) error {
	readCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.SetRunning(true)

	go func() {
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if readCtx.Err() != nil {
				return
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			id := fmt.Sprintf("local-%d", c.seq.Add(1))
			c.HandleMessage(id, "local-user", c.peerID, bus.PeerDM, line, nil, nil)
		}
	}()
	return nil
}

// Stop stops accepting input.
func (c *Channel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.SetRunning(false)
	return nil
}

// Send prints the message to stdout.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	_, err := fmt.Fprintf(c.out, "[%s] %s\n", msg.PeerID, msg.Text)
	return err
}
