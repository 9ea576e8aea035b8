//go:build test

package scanner

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

type DeduplicatorTestSuite struct {
	suite.Suite
	dedup *Deduplicator
}

func (s *DeduplicatorTestSuite) SetupTest() {
	s.dedup = NewDeduplicator(logrus.New())
}

func (s *DeduplicatorTestSuite) admitN(address string, n int) int {
	delivered := 0
	for i := 0; i < n; i++ {
		if s.dedup.Admit(address) {
			delivered++
		}
	}
	return delivered
}

func (s *DeduplicatorTestSuite) TestSuppressesRepeats() {
	// GOAL: Verify N events for one address yield exactly one delivery when duplicates are disallowed
	//
	// TEST SCENARIO: Start(false) → 10 events for AA → 1 delivered → other address still delivered

	s.dedup.Start(false)

	s.Assert().Equal(1, s.admitN("AA:BB:CC:DD:EE:FF", 10), "MUST deliver only the first event")
	s.Assert().True(s.dedup.Admit("11:22:33:44:55:66"), "MUST deliver a different address")
	s.Assert().Equal(2, s.dedup.Seen())
}

func (s *DeduplicatorTestSuite) TestAllowDuplicatesDeliversAll() {
	s.dedup.Start(true)

	s.Assert().Equal(10, s.admitN("AA:BB:CC:DD:EE:FF", 10), "MUST deliver every event")
}

func (s *DeduplicatorTestSuite) TestNewScanResetsSuppression() {
	// GOAL: Verify starting a new scan clears the previous session's addresses
	//
	// TEST SCENARIO: Start(false) → admit AA → Start(false) → AA delivered again

	s.dedup.Start(false)
	s.Require().True(s.dedup.Admit("AA:BB:CC:DD:EE:FF"))
	s.Require().False(s.dedup.Admit("AA:BB:CC:DD:EE:FF"))

	s.dedup.Start(false)
	s.Assert().True(s.dedup.Admit("AA:BB:CC:DD:EE:FF"), "MUST deliver again in a new session")
	s.Assert().Equal(1, s.dedup.Seen())
}

func (s *DeduplicatorTestSuite) TestStopDiscardsSession() {
	s.dedup.Start(false)
	s.dedup.Admit("AA:BB:CC:DD:EE:FF")
	s.dedup.Stop()

	s.Assert().False(s.dedup.Active())
	s.Assert().Equal(0, s.dedup.Seen())
	s.Assert().False(s.dedup.Admit("AA:BB:CC:DD:EE:FF"), "MUST drop late results after the session ended")
}

func (s *DeduplicatorTestSuite) TestNoSessionDropsEverything() {
	s.Assert().Equal(0, s.admitN("AA:BB:CC:DD:EE:FF", 3), "MUST drop results when no scan was started")
	s.Assert().Equal(0, s.admitN("", 3))
}

func (s *DeduplicatorTestSuite) TestInterleavedAddressesDeliverOnce() {
	// GOAL: Verify repeats of earlier addresses stay suppressed while other addresses arrive in between
	//
	// TEST SCENARIO: Start(false) → 3 rounds over 5 addresses on one goroutine → each delivered on round 1 only

	s.dedup.Start(false)

	var delivered []string
	for round := 0; round < 3; round++ {
		for i := 1; i <= 5; i++ {
			address := fmt.Sprintf("00:00:00:00:00:0%d", i)
			if s.dedup.Admit(address) {
				delivered = append(delivered, address)
			}
		}
	}

	s.Assert().Equal([]string{
		"00:00:00:00:00:01", "00:00:00:00:00:02", "00:00:00:00:00:03",
		"00:00:00:00:00:04", "00:00:00:00:00:05",
	}, delivered, "MUST deliver each address exactly once in first-seen order")
	s.Assert().Equal(5, s.dedup.Seen())
}

func (s *DeduplicatorTestSuite) TestEmptyAddressAlwaysDelivered() {
	s.dedup.Start(false)
	s.Assert().Equal(3, s.admitN("", 3), "MUST NOT deduplicate events without an address")
}

func (s *DeduplicatorTestSuite) TestConcurrentProducersDeliverOnce() {
	// GOAL: Verify concurrent native callbacks for the same address deliver once
	//
	// TEST SCENARIO: 16 goroutines × 50 admits over 5 addresses → exactly 5 deliveries

	s.dedup.Start(false)
	var delivered atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if s.dedup.Admit(fmt.Sprintf("00:00:00:00:00:0%d", i%5)) {
					delivered.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	s.Assert().Equal(int64(5), delivered.Load(), "MUST deliver each address exactly once")
}

func TestDeduplicatorTestSuite(t *testing.T) {
	suite.Run(t, new(DeduplicatorTestSuite))
}
