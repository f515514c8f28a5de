// Package cme implements a passive CME MDP 3.0 multicast vendor handler:
// join a multicast group, accept all traffic, filter subscriptions
// client-side, and track sequence gaps across the incremental feed.
package cme

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/feedengine/marketfeed/internal/tick"
)

const (
	packetHeaderSize = 4 + 8  // seq_num u32, sending_time u64
	msgHeaderSize    = 2 * 5  // msg_size, block_length, template_id, schema_id, version, all u16
	incrementalBodyMin = 1 + 4 + 8 + 4

	templateMDIncrementalRefresh = uint16(32)

	entryTypeBid   = byte('0')
	entryTypeOffer = byte('1')
	entryTypeTrade = byte('2')

	cmePricePrecision = 7

	readTimeout   = 5 * time.Second
	rcvBufferSize = 16 * 1024 * 1024
)

// SecurityMap resolves a CME security id to a symbol, populated externally
// from the definition feed. A miss falls back to a synthesized SEC_<id>
// symbol instead of dropping the tick.
type SecurityMap map[uint32]string

func (m SecurityMap) Resolve(id uint32) string {
	if m != nil {
		if sym, ok := m[id]; ok {
			return sym
		}
	}
	return fmt.Sprintf("SEC_%d", id)
}

// GapRange is an inclusive range of missed sequence numbers.
type GapRange struct {
	Start uint32
	End   uint32
}

// Config configures a CME multicast connection.
type Config struct {
	MulticastGroup string
	Port           int
	Interface      string
	SnapshotGroup  string
	SnapshotPort   int
	SecurityMap    SecurityMap
}

// Source is a feed.Source implementation for CME's multicast incremental feed.
type Source struct {
	cfg  Config
	conn *net.UDPConn

	seqMu       sync.Mutex
	expectedSeq uint32
	gaps        []GapRange

	subMu         sync.Mutex
	subscriptions map[string]bool

	snapshotLimiter *rate.Limiter
}

// New creates a CME Source. Snapshot requests are rate-limited to one per
// second even though request_snapshot recovery itself is not implemented.
func New(cfg Config) *Source {
	return &Source{
		cfg:             cfg,
		subscriptions:   make(map[string]bool),
		snapshotLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (s *Source) Connect(ctx context.Context) error {
	group := net.ParseIP(s.cfg.MulticastGroup)
	if group == nil {
		return fmt.Errorf("cme: invalid multicast group %q", s.cfg.MulticastGroup)
	}

	var iface *net.Interface
	if s.cfg.Interface != "" {
		ifc, err := net.InterfaceByName(s.cfg.Interface)
		if err != nil {
			return fmt.Errorf("cme: resolving interface %q: %w", s.cfg.Interface, err)
		}
		iface = ifc
	}

	conn, err := net.ListenMulticastUDP("udp4", iface, &net.UDPAddr{IP: group, Port: s.cfg.Port})
	if err != nil {
		return fmt.Errorf("cme: joining multicast group %s:%d: %w", s.cfg.MulticastGroup, s.cfg.Port, err)
	}
	if err := conn.SetReadBuffer(rcvBufferSize); err != nil {
		conn.Close()
		return fmt.Errorf("cme: setting receive buffer: %w", err)
	}
	s.conn = conn
	return nil
}

func (s *Source) Disconnect(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Source) Subscribe(ctx context.Context, symbols []string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sym := range symbols {
		s.subscriptions[sym] = true
	}
	return nil
}

func (s *Source) Unsubscribe(ctx context.Context, symbols []string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sym := range symbols {
		delete(s.subscriptions, sym)
	}
	return nil
}

func (s *Source) isSubscribed(symbol string) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.subscriptions[symbol]
}

// Gaps returns the sequence ranges missed so far.
func (s *Source) Gaps() []GapRange {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	out := make([]GapRange, len(s.gaps))
	copy(out, s.gaps)
	return out
}

// RequestSnapshot is a rate-limited hook for full-book recovery via the
// snapshot multicast group. Recovery itself is not implemented; this only
// guards against a caller flooding the snapshot group.
func (s *Source) RequestSnapshot(ctx context.Context, symbols []string) error {
	if !s.snapshotLimiter.Allow() {
		return fmt.Errorf("cme: snapshot request rate limited")
	}
	return nil
}

// ReadMessages reads multicast datagrams, parses each into zero or more
// ticks, and delivers those whose symbol is subscribed.
func (s *Source) ReadMessages(ctx context.Context, onTick func(tick.Tick)) error {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("cme: read: %w", err)
		}

		ticks := s.parsePacket(buf[:n])
		for _, t := range ticks {
			if s.isSubscribed(t.Symbol) {
				onTick(t)
			}
		}
	}
}

func (s *Source) parsePacket(data []byte) []tick.Tick {
	if len(data) < packetHeaderSize {
		return nil
	}
	seqNum := binary.LittleEndian.Uint32(data[0:4])
	sendingTime := binary.LittleEndian.Uint64(data[4:12])

	s.recordSequence(seqNum)

	var ticks []tick.Tick
	offset := packetHeaderSize
	for offset+msgHeaderSize <= len(data) {
		msgSize := binary.LittleEndian.Uint16(data[offset : offset+2])
		templateID := binary.LittleEndian.Uint16(data[offset+4 : offset+6])
		if msgSize == 0 {
			break
		}
		end := offset + int(msgSize)
		if end > len(data) {
			break
		}
		body := data[offset+msgHeaderSize : end]

		if templateID == templateMDIncrementalRefresh {
			if t, ok := s.parseIncrementalRefresh(body, int64(sendingTime)); ok {
				ticks = append(ticks, t)
			}
		}
		offset = end
	}
	return ticks
}

func (s *Source) recordSequence(seqNum uint32) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if s.expectedSeq > 0 && seqNum < s.expectedSeq {
		// Stale retransmit or reordered packet we already advanced past;
		// expectedSeq must not move backward or the next in-order packet
		// would look like it skipped everything in between.
		return
	}
	if s.expectedSeq > 0 && seqNum > s.expectedSeq {
		s.gaps = append(s.gaps, GapRange{Start: s.expectedSeq, End: seqNum - 1})
	}
	s.expectedSeq = seqNum + 1
}

func (s *Source) parseIncrementalRefresh(data []byte, timestamp int64) (tick.Tick, bool) {
	if len(data) < incrementalBodyMin {
		return tick.Tick{}, false
	}

	entryType := data[0]
	securityID := binary.LittleEndian.Uint32(data[1:5])
	priceMantissa := int64(binary.LittleEndian.Uint64(data[5:13]))
	size := binary.LittleEndian.Uint32(data[13:17])
	symbol := s.cfg.SecurityMap.Resolve(securityID)

	t := tick.Tick{
		TimestampNs: timestamp,
		Symbol:      symbol,
		Vendor:      tick.CME,
		Precision:   cmePricePrecision,
	}

	switch entryType {
	case entryTypeBid:
		t.Kind = tick.Quote
		t.BidPrice = tick.Ptr(priceMantissa)
		t.BidSize = tick.Ptr(int64(size))
	case entryTypeOffer:
		t.Kind = tick.Quote
		t.AskPrice = tick.Ptr(priceMantissa)
		t.AskSize = tick.Ptr(int64(size))
	case entryTypeTrade:
		t.Kind = tick.Trade
		t.TradePrice = tick.Ptr(priceMantissa)
		t.TradeSize = tick.Ptr(int64(size))
	default:
		return tick.Tick{}, false
	}
	return t, true
}
