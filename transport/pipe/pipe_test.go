package pipe

import (
	"testing"

	"pixel-control/transport/test"

	"github.com/stretchr/testify/suite"
)

type PipeTestSuite struct {
	test.ConnTestSuite
}

func TestPipeTestSuite(t *testing.T) {
	suite.Run(t, new(PipeTestSuite))
}

func (s *PipeTestSuite) SetupTest() {
	s.ConnTestSuite.SetupTest()
	s.C1, s.C2 = Pipe(NewAddr("A", 1), NewAddr("B", 2), s.Clock)
}
