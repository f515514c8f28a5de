package cme

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/suite"
)

type CMETestSuite struct {
	suite.Suite
}

func TestCMESuite(t *testing.T) {
	suite.Run(t, new(CMETestSuite))
}

func buildPacket(seq uint32, sendingTime uint64, msgs ...[]byte) []byte {
	buf := make([]byte, packetHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], seq)
	binary.LittleEndian.PutUint64(buf[4:12], sendingTime)
	for _, m := range msgs {
		buf = append(buf, m...)
	}
	return buf
}

func buildIncrementalRefreshMsg(templateID uint16, entryType byte, securityID uint32, priceMantissa int64, size uint32) []byte {
	body := make([]byte, incrementalBodyMin)
	body[0] = entryType
	binary.LittleEndian.PutUint32(body[1:5], securityID)
	binary.LittleEndian.PutUint64(body[5:13], uint64(priceMantissa))
	binary.LittleEndian.PutUint32(body[13:17], size)

	msgSize := uint16(msgHeaderSize + len(body))
	header := make([]byte, msgHeaderSize)
	binary.LittleEndian.PutUint16(header[0:2], msgSize)
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(body)))
	binary.LittleEndian.PutUint16(header[4:6], templateID)
	binary.LittleEndian.PutUint16(header[6:8], 1)
	binary.LittleEndian.PutUint16(header[8:10], 1)

	return append(header, body...)
}

func (s *CMETestSuite) TestGapDetectionAcrossThreePackets() {
	src := New(Config{})

	p1 := buildPacket(100, 1, buildIncrementalRefreshMsg(templateMDIncrementalRefresh, entryTypeBid, 1, 453225, 10))
	p2 := buildPacket(101, 2, buildIncrementalRefreshMsg(templateMDIncrementalRefresh, entryTypeBid, 1, 453226, 10))
	p3 := buildPacket(105, 3, buildIncrementalRefreshMsg(templateMDIncrementalRefresh, entryTypeBid, 1, 453227, 10))

	src.parsePacket(p1)
	src.parsePacket(p2)
	src.parsePacket(p3)

	gaps := src.Gaps()
	s.Require().Len(gaps, 1)
	s.Equal(GapRange{Start: 102, End: 104}, gaps[0])
}

func (s *CMETestSuite) TestReorderedStalePacketDoesNotRewindExpectedSequence() {
	src := New(Config{})

	p1 := buildPacket(100, 1, buildIncrementalRefreshMsg(templateMDIncrementalRefresh, entryTypeBid, 1, 453225, 10))
	p2 := buildPacket(101, 2, buildIncrementalRefreshMsg(templateMDIncrementalRefresh, entryTypeBid, 1, 453226, 10))
	stale := buildPacket(50, 3, buildIncrementalRefreshMsg(templateMDIncrementalRefresh, entryTypeBid, 1, 453227, 10))
	p3 := buildPacket(102, 4, buildIncrementalRefreshMsg(templateMDIncrementalRefresh, entryTypeBid, 1, 453228, 10))

	src.parsePacket(p1)
	src.parsePacket(p2)
	src.parsePacket(stale)
	src.parsePacket(p3)

	s.Empty(src.Gaps(), "a stale reordered packet must not be reported as a gap or rewind expectedSeq")
}

func (s *CMETestSuite) TestIncrementalRefreshParsesBidOfferAndTradeWithFallbackSymbol() {
	src := New(Config{})

	bidMsg := buildIncrementalRefreshMsg(templateMDIncrementalRefresh, entryTypeBid, 7, 453225, 10)
	packet := buildPacket(1, 42, bidMsg)

	ticks := src.parsePacket(packet)
	s.Require().Len(ticks, 1)
	s.Equal("SEC_7", ticks[0].Symbol)
	s.EqualValues(453225, *ticks[0].BidPrice)
	s.Equal(7, ticks[0].Precision)
	s.EqualValues(42, ticks[0].TimestampNs)

	offerMsg := buildIncrementalRefreshMsg(templateMDIncrementalRefresh, entryTypeOffer, 7, 453250, 20)
	ticks = src.parsePacket(buildPacket(2, 43, offerMsg))
	s.Require().Len(ticks, 1)
	s.EqualValues(453250, *ticks[0].AskPrice)

	tradeMsg := buildIncrementalRefreshMsg(templateMDIncrementalRefresh, entryTypeTrade, 7, 453240, 5)
	ticks = src.parsePacket(buildPacket(3, 44, tradeMsg))
	s.Require().Len(ticks, 1)
	s.EqualValues(453240, *ticks[0].TradePrice)
}

func (s *CMETestSuite) TestSecurityMapResolvesKnownSymbol() {
	src := New(Config{SecurityMap: SecurityMap{7: "ESZ4"}})
	msg := buildIncrementalRefreshMsg(templateMDIncrementalRefresh, entryTypeBid, 7, 100, 1)
	ticks := src.parsePacket(buildPacket(1, 1, msg))
	s.Require().Len(ticks, 1)
	s.Equal("ESZ4", ticks[0].Symbol)
}

func (s *CMETestSuite) TestRequestSnapshotIsRateLimited() {
	src := New(Config{})
	s.NoError(src.RequestSnapshot(nil, []string{"ESZ4"}))
	s.Error(src.RequestSnapshot(nil, []string{"ESZ4"}))
}
