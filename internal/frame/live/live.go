// Package live implements a frame.Source backed by a live link-layer capture
// on a named network interface, opened in promiscuous Ethernet mode.
package live

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/redistap/internal/frame"
)

var (
	// ErrInterfaceNotFound is returned when the named interface does not resolve.
	ErrInterfaceNotFound = errors.New("live: interface not found")
	// ErrUnsupportedChannel is returned when the OS hands back a non-Ethernet link type.
	ErrUnsupportedChannel = errors.New("live: unsupported channel type")
	// ErrPermission is returned when the capture could not be opened due to privileges.
	ErrPermission = errors.New("live: permission denied")
)

const snaplen = 65536

// Source reads raw Ethernet frames off one named interface.
type Source struct {
	handle *pcap.Handle
	log    *logrus.Entry

	frames chan result
}

type result struct {
	data []byte
	err  error
}

// Open opens interfaceName in promiscuous mode and starts a dedicated reader
// goroutine, since the underlying pcap read is a blocking syscall that would
// otherwise starve the capture loop's cooperative scheduling.
func Open(interfaceName string, log *logrus.Entry) (*Source, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	handle, err := pcap.OpenLive(interfaceName, snaplen, true, pcap.BlockForever)
	if err != nil {
		switch {
		case isNoSuchDevice(err):
			return nil, ErrInterfaceNotFound
		case isPermission(err):
			return nil, ErrPermission
		default:
			return nil, err
		}
	}

	if handle.LinkType() != layers.LinkTypeEthernet {
		handle.Close()
		return nil, ErrUnsupportedChannel
	}

	s := &Source{
		handle: handle,
		log:    log.WithField("component", "live_source").WithField("interface", interfaceName),
		frames: make(chan result),
	}

	go s.readLoop()

	return s, nil
}

func isNoSuchDevice(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "no such device")
}

func isPermission(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission denied") || strings.Contains(msg, "operation not permitted")
}

func (s *Source) readLoop() {
	for {
		data, _, err := s.handle.ZeroCopyReadPacketData()
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				s.log.Debug("capture read timed out, retrying")
				continue
			}
			s.frames <- result{err: err}
			if errors.Is(err, pcap.NextErrorNoMorePackets) {
				return
			}
			continue
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		s.frames <- result{data: cp}
	}
}

// Next implements frame.Source.
func (s *Source) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-s.frames:
		if r.err != nil {
			if errors.Is(r.err, pcap.NextErrorNoMorePackets) {
				return nil, io.EOF
			}
			s.log.WithError(r.err).Warn("skipping frame after read error")
			return nil, &frame.TransientError{Err: r.err}
		}
		return r.data, nil
	}
}

// Close releases the underlying capture handle.
func (s *Source) Close() {
	s.handle.Close()
}
