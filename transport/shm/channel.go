package shm

import (
	"fmt"

	"github.com/pkg/errors"
)

// Channel is a bidirectional pair of Rings: one this side writes (send) and
// one this side reads (recv). Client and server create the pair with
// swapped send/recv roles so each side's "send" ring is the other's "recv".
type Channel struct {
	id   uint64
	send *Ring
	recv *Ring
}

func sendRingName(channelID uint64) string { return fmt.Sprintf("nprpc_%d_c2s", channelID) }
func recvRingName(channelID uint64) string { return fmt.Sprintf("nprpc_%d_s2c", channelID) }

// CreateChannel is called server-side once a new client has been accepted:
// it creates both rings (named after channelID; the client attaches to them
// through the fds handed over in the handshake, not by name) and returns a
// Channel from the server's point of view (it sends on s2c, receives on c2s).
func CreateChannel(channelID uint64, ringWindow int, maxMsgSize uint32) (*Channel, error) {
	c2s, err := CreateRing(sendRingName(channelID), ringWindow, maxMsgSize)
	if err != nil {
		return nil, errors.Wrap(err, "shm: create c2s ring")
	}
	s2c, err := CreateRing(recvRingName(channelID), ringWindow, maxMsgSize)
	if err != nil {
		c2s.Close()
		return nil, errors.Wrap(err, "shm: create s2c ring")
	}
	return &Channel{id: channelID, send: s2c, recv: c2s}, nil
}

// AttachChannel is called client-side after the handshake hands over the
// two ring fds; the client's send ring is the server's c2s, its recv ring
// is the server's s2c.
func AttachChannel(channelID uint64, c2sFd, s2cFd int, ringWindow int) (*Channel, error) {
	c2s, err := RingFromFd(c2sFd, ringWindow)
	if err != nil {
		return nil, errors.Wrap(err, "shm: attach c2s ring")
	}
	s2c, err := RingFromFd(s2cFd, ringWindow)
	if err != nil {
		c2s.Close()
		return nil, errors.Wrap(err, "shm: attach s2c ring")
	}
	return &Channel{id: channelID, send: c2s, recv: s2c}, nil
}

func (c *Channel) ID() uint64 { return c.id }

func (c *Channel) Close() error {
	err1 := c.send.Close()
	err2 := c.recv.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
