package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

// ExamMonitorSubject returns the NATS subject carrying an exam's live feed
func (r *CacheKeyStruct) ExamMonitorSubject(examID string) string {
	return fmt.Sprintf("proctor.exam.%s.monitor", examID)
}

// LogEventRateKey returns the rate limiter bucket for a caller of log-event
func (r *CacheKeyStruct) LogEventRateKey(caller string) string {
	return fmt.Sprintf("ratelimit:log_event:%s", caller)
}

var CacheKey = NewCacheKeyStruct()
