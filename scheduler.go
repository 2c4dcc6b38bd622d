package mdns

import "time"

// QueryScheduler drives the per-(socket, service-type) periodic query
// task: three pacing modes, query back-off, and known-answer
// suppression. It is pull-style: the event loop calls Advance whenever
// a scheduled task fires and gets back the packet to send plus the
// delay until the next call, so the scheduler itself never blocks on
// I/O.
type QueryScheduler struct {
	cfg         Config
	opts        SearchOptions
	trackedType string

	burstIndex   int // 0-indexed: number of bursts already completed
	queryInBurst int // 0-indexed position within the current burst
	txnID        uint16
}

func newQueryScheduler(cfg Config, opts SearchOptions, trackedType string) *QueryScheduler {
	return &QueryScheduler{cfg: cfg, opts: opts, trackedType: trackedType, txnID: 1}
}

func (s *QueryScheduler) nextTxnID() uint16 {
	id := s.txnID
	s.txnID++
	if s.txnID == 0 {
		s.txnID = 1
	}
	return id
}

func (s *QueryScheduler) burstSize() int {
	switch s.opts.QueryMode {
	case QueryModePassive:
		if s.burstIndex == 0 {
			return s.cfg.QueriesPerBurst
		}
		return s.cfg.QueriesPerBurstPassive
	default:
		return s.cfg.QueriesPerBurst
	}
}

// expectUnicast reports whether the next query should ask for a
// unicast reply: in aggressive mode only the first query of a burst
// does, otherwise it follows the listener-level "always unicast"
// option.
func (s *QueryScheduler) expectUnicast() bool {
	if s.opts.QueryMode == QueryModeAggressive {
		return s.queryInBurst == 0
	}
	return s.opts.AlwaysUnicast && s.cfg.UnicastReplyEnabled
}

// Advance builds the packet for the task that is firing right now and
// returns it along with the delay until the next task should fire.
func (s *QueryScheduler) Advance(cache *RecordCache, now time.Time) (*Packet, time.Duration) {
	pkt := s.buildPacket(cache, now)
	delay := s.delayToNext(cache, now)
	s.step()
	return pkt, delay
}

func (s *QueryScheduler) step() {
	s.queryInBurst++
	if s.queryInBurst >= s.burstSize() {
		s.queryInBurst = 0
		s.burstIndex++
	}
}

func (s *QueryScheduler) delayToNext(cache *RecordCache, now time.Time) time.Duration {
	var delay time.Duration
	if s.queryInBurst+1 >= s.burstSize() {
		delay = s.interBurstGap()
	} else {
		delay = s.intraBurstGap()
	}

	// Query back-off: once past the configured warm-up
	// queries of a later burst, re-align to the earliest cached-record
	// renewal deadline instead of firing on the fixed schedule.
	if s.burstIndex > 0 && s.queryInBurst > s.cfg.NumQueriesBeforeBackoff {
		if renewal, ok := earliestRenewalDelay(cache, now); ok {
			floor := s.cfg.TimeBetweenQueriesInBurst
			if renewal < floor {
				renewal = floor
			}
			delay = renewal
		}
	}
	return delay
}

// interBurstGap implements the three pacing-mode formulas, with
// s.burstIndex playing the role of "k-1" (the burst just completed,
// 0-indexed).
func (s *QueryScheduler) interBurstGap() time.Duration {
	switch s.opts.QueryMode {
	case QueryModePassive:
		return s.cfg.TimeBetweenBursts
	case QueryModeAggressive:
		return capDuration(scaleDuration(s.cfg.InitialAggressiveTimeBetween, s.burstIndex), s.cfg.MaxTimeBetweenAggressiveBurst)
	default: // Active
		return capDuration(scaleDuration(s.cfg.InitialTimeBetweenBursts, s.burstIndex), s.cfg.TimeBetweenBursts)
	}
}

func (s *QueryScheduler) intraBurstGap() time.Duration {
	if s.opts.QueryMode == QueryModeAggressive {
		if s.queryInBurst == 0 {
			return 0
		}
		return s.cfg.TimeBetweenRetransmitInBurst
	}
	return s.cfg.TimeBetweenQueriesInBurst
}

func scaleDuration(base time.Duration, doublings int) time.Duration {
	d := base
	for i := 0; i < doublings; i++ {
		d *= 2
	}
	return d
}

func capDuration(d, cap time.Duration) time.Duration {
	if d > cap {
		return cap
	}
	return d
}

// earliestRenewalDelay returns how long until the soonest cached
// record in cache reaches its half-TTL renewal point
// (remaining_ttl <= TTL/2).
func earliestRenewalDelay(cache *RecordCache, now time.Time) (time.Duration, bool) {
	found := false
	var best time.Duration
	consider := func(h RecordHeader) {
		remaining := h.RemainingTTL(now)
		untilHalf := remaining - h.TTL/2
		if untilHalf < 0 {
			untilHalf = 0
		}
		if !found || untilHalf < best {
			best = untilHalf
			found = true
		}
	}
	for _, inst := range cache.instances() {
		if inst.ptr != nil {
			consider(inst.ptr.RecordHeader)
		}
		if inst.srv != nil {
			consider(inst.srv.RecordHeader)
		}
		if inst.txt != nil {
			consider(inst.txt.RecordHeader)
		}
		for _, a := range inst.addrs {
			consider(a.RecordHeader)
		}
	}
	return best, found
}

// buildPacket assembles the outgoing query: PTR questions for the
// tracked type and each requested subtype (browse), or, when the
// listener asked to resolve one specific instance, SRV/TXT/A/AAAA
// questions for that instance instead; and, if known-answer
// suppression is enabled, an answers section of still-fresh cached
// records.
func (s *QueryScheduler) buildPacket(cache *RecordCache, now time.Time) *Packet {
	pkt := &Packet{TransactionID: s.nextTxnID()}
	unicast := s.expectUnicast()

	if s.opts.ResolveInstanceName != "" {
		full := s.opts.ResolveInstanceName
		for _, t := range []RRType{TypeSRV, TypeTXT, TypeA, TypeAAAA} {
			pkt.Questions = append(pkt.Questions, Question{Name: full, Type: t, Unicast: unicast})
		}
	} else {
		pkt.Questions = append(pkt.Questions, Question{Name: s.trackedType, Type: TypePTR, Unicast: unicast})
		for sub := range s.opts.Subtypes {
			pkt.Questions = append(pkt.Questions, Question{
				Name: subtypeInstanceName(sub, s.trackedType), Type: TypePTR, Unicast: unicast,
			})
		}
	}

	if s.cfg.KnownAnswerSuppressionEnabled && s.cfg.QueryWithKnownAnswerEnabled {
		for _, inst := range cache.instances() {
			for _, r := range knownAnswersFor(inst) {
				if !r.Header().NeedsRenewal(now) {
					pkt.Answers = append(pkt.Answers, r)
				}
			}
		}
	}
	return pkt
}

func knownAnswersFor(inst *ServiceInstance) []Record {
	var out []Record
	if inst.ptr != nil {
		out = append(out, inst.ptr)
	}
	if inst.srv != nil {
		out = append(out, inst.srv)
	}
	if inst.txt != nil {
		out = append(out, inst.txt)
	}
	for _, a := range inst.addrs {
		out = append(out, a)
	}
	return out
}
