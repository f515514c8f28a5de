package sink

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"

	"github.com/feedengine/marketfeed/internal/tick"
)

type SinkTestSuite struct {
	suite.Suite
}

func TestSinkSuite(t *testing.T) {
	suite.Run(t, new(SinkTestSuite))
}

func (s *SinkTestSuite) TestWriteToDBIsNoOp() {
	p := New(nil, nil)
	s.NoError(p.WriteToDB(context.Background(), nil))
}

func (s *SinkTestSuite) TestTickCountResetsOnlyAfterLogInterval() {
	mock := clock.NewMock()
	p := New(nil, mock)
	ctx := context.Background()

	batch := []*tick.Tick{{Symbol: "AAPL"}}
	s.NoError(p.ProcessBatch(ctx, batch))
	s.EqualValues(1, p.tickCount)

	mock.Add(logInterval + time.Millisecond)
	s.NoError(p.ProcessBatch(ctx, batch))
	s.EqualValues(0, p.tickCount) // logged and reset
}
