package mdns

import "time"

// Config holds every numeric tunable and feature toggle the discovery
// engine exposes. A Config is immutable once passed to NewManager;
// tests construct their own instead of relying on package-level
// globals.
type Config struct {
	// Pacing.
	QueriesPerBurst               int
	QueriesPerBurstPassive        int
	TimeBetweenQueriesInBurst     time.Duration
	InitialTimeBetweenBursts      time.Duration
	TimeBetweenBursts             time.Duration
	TimeBetweenRetransmitInBurst  time.Duration
	InitialAggressiveTimeBetween  time.Duration
	MaxTimeBetweenAggressiveBurst time.Duration
	NumQueriesBeforeBackoff       int

	CachedServicesRetention time.Duration
	// PacketQueueMaxSize caps each socket's outbound send queue; once
	// exceeded, the oldest queued packet is dropped to make room.
	PacketQueueMaxSize int
	ThreadJoinTimeout  time.Duration

	// Feature toggles.
	UnicastReplyEnabled           bool
	AggressiveQueryModeEnabled    bool
	KnownAnswerSuppressionEnabled bool
	QueryWithKnownAnswerEnabled   bool
	AvoidAdvertisingEmptyTXT      bool
	ExpiredServicesRemovalEnabled bool
	CachedServicesRemovalEnabled  bool
	AllowMultipleSRVPerHost       bool
	LimitLabelCount               bool
	IncludeInetAddressInProbing   bool
}

// DefaultConfig returns the tunables used in production.
func DefaultConfig() Config {
	return Config{
		QueriesPerBurst:               3,
		QueriesPerBurstPassive:        1,
		TimeBetweenQueriesInBurst:     500 * time.Millisecond,
		InitialTimeBetweenBursts:      15000 * time.Millisecond,
		TimeBetweenBursts:             60000 * time.Millisecond,
		TimeBetweenRetransmitInBurst:  100 * time.Millisecond,
		InitialAggressiveTimeBetween:  1000 * time.Millisecond,
		MaxTimeBetweenAggressiveBurst: 60000 * time.Millisecond,
		NumQueriesBeforeBackoff:       3,

		CachedServicesRetention: 10000 * time.Millisecond,
		PacketQueueMaxSize:      2048,
		ThreadJoinTimeout:       1000 * time.Millisecond,

		UnicastReplyEnabled:           true,
		AggressiveQueryModeEnabled:    false,
		KnownAnswerSuppressionEnabled: true,
		QueryWithKnownAnswerEnabled:   true,
		AvoidAdvertisingEmptyTXT:      true,
		ExpiredServicesRemovalEnabled: true,
		CachedServicesRemovalEnabled:  true,
		AllowMultipleSRVPerHost:       false,
		LimitLabelCount:               false,
		IncludeInetAddressInProbing:   false,
	}
}
