package schedule

import (
	"fmt"

	"github.com/kutay-ship-it/capsulenote-sub000/internal/models"
)

type Region string

const (
	RegionDomestic     Region = "domestic"
	RegionNorthAmerica Region = "north_america"
	RegionEurope       Region = "europe"
	RegionAsiaPacific  Region = "asia_pacific"
	RegionOther        Region = "other"
)

// TransitEstimator returns the whole-day lead time to subtract from a
// desired arrival date: estimated carrier transit plus print/processing
// buffer plus the early-arrival margin.
type TransitEstimator interface {
	Estimate(countryCode string, mailType models.MailType) (int, error)
}

// RegionTable estimates transit from USPS-style bands: a per-mail-class
// domestic estimate, plus additional days for international regions.
// International delivery is first class only.
type RegionTable struct {
	// EarlyArrivalDays widens the lead so letters land before the target
	// date rather than on it.
	EarlyArrivalDays int
}

const (
	firstClassTransitDays = 5
	firstClassBufferDays  = 3
	standardTransitDays   = 8
	standardBufferDays    = 4

	defaultEarlyArrivalDays = 2
)

var internationalAdditionalDays = map[Region]int{
	RegionNorthAmerica: 5,
	RegionEurope:       7,
	RegionAsiaPacific:  10,
	RegionOther:        12,
}

var countryRegions = map[string]Region{
	"US": RegionDomestic,

	"CA": RegionNorthAmerica,
	"MX": RegionNorthAmerica,

	"GB": RegionEurope, "DE": RegionEurope, "FR": RegionEurope,
	"IT": RegionEurope, "ES": RegionEurope, "NL": RegionEurope,
	"BE": RegionEurope, "AT": RegionEurope, "CH": RegionEurope,
	"IE": RegionEurope, "PT": RegionEurope, "SE": RegionEurope,
	"NO": RegionEurope, "DK": RegionEurope, "FI": RegionEurope,
	"PL": RegionEurope, "TR": RegionEurope,

	"AU": RegionAsiaPacific, "NZ": RegionAsiaPacific, "JP": RegionAsiaPacific,
	"KR": RegionAsiaPacific, "SG": RegionAsiaPacific, "HK": RegionAsiaPacific,
	"TW": RegionAsiaPacific,
}

// RegionFor maps an ISO 3166-1 alpha-2 country code to a transit region.
// Unknown countries fall into the most conservative band.
func RegionFor(countryCode string) Region {
	if r, ok := countryRegions[countryCode]; ok {
		return r
	}
	return RegionOther
}

func (t RegionTable) Estimate(countryCode string, mailType models.MailType) (int, error) {
	region := RegionFor(countryCode)

	var transit, buffer int
	switch mailType {
	case models.MailFirstClass, "":
		transit, buffer = firstClassTransitDays, firstClassBufferDays
	case models.MailStandard:
		if region != RegionDomestic {
			return 0, fmt.Errorf("standard mail is not available internationally (country %q)", countryCode)
		}
		transit, buffer = standardTransitDays, standardBufferDays
	default:
		return 0, fmt.Errorf("unknown mail type %q", mailType)
	}

	if region != RegionDomestic {
		transit += internationalAdditionalDays[region]
	}

	early := t.EarlyArrivalDays
	if early == 0 {
		early = defaultEarlyArrivalDays
	}
	return transit + buffer + early, nil
}
