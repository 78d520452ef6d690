package platform

import (
	"strings"
	"time"

	"opsync/internal/domain"
)

// IST is the zone Indian couriers report local timestamps in.
var IST = time.FixedZone("IST", 5*3600+1800)

var reasonKeywords = []struct {
	needle string
	code   domain.ReasonCode
}{
	{"refus", domain.ReasonRefused},
	{"cash not ready", domain.ReasonCashNotReady},
	{"cod amount not ready", domain.ReasonCashNotReady},
	{"reschedul", domain.ReasonRescheduleRequested},
	{"future delivery", domain.ReasonRescheduleRequested},
	{"wrong address", domain.ReasonWrongAddress},
	{"incorrect address", domain.ReasonWrongAddress},
	{"incomplete address", domain.ReasonAddressIncomplete},
	{"address incomplete", domain.ReasonAddressIncomplete},
	{"not reachable", domain.ReasonPhoneUnreachable},
	{"unreachable", domain.ReasonPhoneUnreachable},
	{"switched off", domain.ReasonPhoneUnreachable},
	{"not available", domain.ReasonCustomerUnavailable},
	{"unavailable", domain.ReasonCustomerUnavailable},
	{"door locked", domain.ReasonCustomerUnavailable},
}

// ReasonFromText maps free-text courier remarks to a reason code. Couriers
// with structured codes consult their own table first.
func ReasonFromText(s string) domain.ReasonCode {
	s = strings.ToLower(s)
	for _, k := range reasonKeywords {
		if strings.Contains(s, k.needle) {
			return k.code
		}
	}
	return domain.ReasonOther
}

// ParseLocalTime parses courier timestamps, assuming IST when no zone is given.
func ParseLocalTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	for _, layout := range []string{"2006-01-02T15:04:05.000", "2006-01-02T15:04:05", "2006-01-02 15:04:05", "02-01-2006 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, IST); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
