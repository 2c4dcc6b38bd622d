package mdns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerActiveBurstPacing(t *testing.T) {
	cfg := DefaultConfig()
	s := newQueryScheduler(cfg, SearchOptions{QueryMode: QueryModeActive}, "_http._tcp.local.")
	cache := newRecordCache(CacheKey{ServiceType: "_HTTP._TCP.LOCAL"})
	now := time.Unix(0, 0)

	_, d1 := s.Advance(cache, now)
	require.Equal(t, cfg.TimeBetweenQueriesInBurst, d1)

	_, d2 := s.Advance(cache, now)
	require.Equal(t, cfg.TimeBetweenQueriesInBurst, d2)

	// Third query in a 3-query burst: next gap is the inter-burst one.
	_, d3 := s.Advance(cache, now)
	require.Equal(t, cfg.InitialTimeBetweenBursts, d3)
}

func TestSchedulerPassiveModeSingleQueryLaterBursts(t *testing.T) {
	cfg := DefaultConfig()
	s := newQueryScheduler(cfg, SearchOptions{QueryMode: QueryModePassive}, "_http._tcp.local.")
	require.Equal(t, cfg.QueriesPerBurst, s.burstSize())
	for i := 0; i < cfg.QueriesPerBurst; i++ {
		s.step()
	}
	require.Equal(t, cfg.QueriesPerBurstPassive, s.burstSize())
}

func TestSchedulerAggressiveOnlyFirstQueryUnicast(t *testing.T) {
	cfg := DefaultConfig()
	s := newQueryScheduler(cfg, SearchOptions{QueryMode: QueryModeAggressive}, "_http._tcp.local.")
	require.True(t, s.expectUnicast())
	s.step()
	require.False(t, s.expectUnicast())
}

func TestSchedulerAggressiveBackoffDoublesCapped(t *testing.T) {
	cfg := DefaultConfig()
	s := &QueryScheduler{cfg: cfg, opts: SearchOptions{QueryMode: QueryModeAggressive}, burstIndex: 10}
	gap := s.interBurstGap()
	require.Equal(t, cfg.MaxTimeBetweenAggressiveBurst, gap)
}

func TestSchedulerBuildPacketBrowseQuestion(t *testing.T) {
	cfg := DefaultConfig()
	s := newQueryScheduler(cfg, SearchOptions{}, "_http._tcp.local.")
	cache := newRecordCache(CacheKey{ServiceType: "_HTTP._TCP.LOCAL"})
	pkt := s.buildPacket(cache, time.Now())
	require.Len(t, pkt.Questions, 1)
	require.Equal(t, TypePTR, pkt.Questions[0].Type)
	require.Equal(t, "_http._tcp.local.", pkt.Questions[0].Name)
}

func TestSchedulerBuildPacketResolveQuestions(t *testing.T) {
	cfg := DefaultConfig()
	opts := SearchOptions{ResolveInstanceName: "myinst._http._tcp.local."}
	s := newQueryScheduler(cfg, opts, "_http._tcp.local.")
	cache := newRecordCache(CacheKey{ServiceType: "_HTTP._TCP.LOCAL"})
	pkt := s.buildPacket(cache, time.Now())
	require.Len(t, pkt.Questions, 4)
}

func TestEarliestRenewalDelay(t *testing.T) {
	cache := newRecordCache(CacheKey{ServiceType: "_HTTP._TCP.LOCAL"})
	now := time.Unix(0, 0)
	inst := newServiceInstance("inst._http._tcp.local.", "_http._tcp.local.", 0, 0)
	inst.ptr = &PTRRecord{RecordHeader: RecordHeader{ReceiptTime: now, TTL: 100 * time.Second}, Target: "inst._http._tcp.local."}
	cache.rs.byKey[instanceKey(inst.FullName)] = inst

	delay, ok := earliestRenewalDelay(cache, now)
	require.True(t, ok)
	require.Equal(t, 50*time.Second, delay)
}
