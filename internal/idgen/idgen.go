// Package idgen mints the identifiers the service hands out: share ids
// for analyses, event ids for stream broadcasts, subscription ids for
// alert webhooks, request ids for HTTP correlation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Id families are prefixed so a bare id in a log line or support
// ticket identifies its kind.
const (
	sharePrefix        = "scan_"
	eventPrefix        = "evt_"
	subscriptionPrefix = "sub_"
)

// ShareID returns the public identifier of one analysis run.
func ShareID() string { return sharePrefix + randHex(12) }

// EventID returns the identifier of one broadcast verdict event.
func EventID() string { return eventPrefix + randHex(12) }

// SubscriptionID returns the identifier of one alert subscription.
func SubscriptionID() string { return subscriptionPrefix + randHex(12) }

// RequestID returns an unprefixed id for HTTP request correlation.
func RequestID() string { return randHex(16) }

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
