package price

import (
	"strings"
	"time"
)

type Source string

const (
	SourceEquity Source = "EQUITY"
	SourceFund   Source = "FUND"
)

// Record is the last known price of a symbol.
type Record struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Source    Source    `json:"source"`
	FetchedAt time.Time `json:"fetchedAt"`
}

func (r Record) Valid() bool { return r.Price > 0 }

func (r Record) Age(now time.Time) time.Duration { return now.Sub(r.FetchedAt) }

func (r Record) Freshness(now time.Time) Freshness { return Classify(r.Age(now)) }

type Freshness string

const (
	Fresh   Freshness = "FRESH"
	Stale   Freshness = "STALE"
	Expired Freshness = "EXPIRED"
)

const (
	FreshFor = time.Hour
	StaleFor = 24 * time.Hour
)

// Classify maps the age of a record to its freshness tier. Lower bounds are
// inclusive: exactly one hour old is STALE, exactly a day old is EXPIRED.
func Classify(age time.Duration) Freshness {
	switch {
	case age < FreshFor:
		return Fresh
	case age < StaleFor:
		return Stale
	default:
		return Expired
	}
}

type Stats struct {
	Count   int `json:"count"`
	Fresh   int `json:"freshCount"`
	Stale   int `json:"staleCount"`
	Expired int `json:"expiredCount"`
}

// ExpiredRatio is the fraction of tracked symbols whose price is EXPIRED.
func (s Stats) ExpiredRatio() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Expired) / float64(s.Count)
}

// NormalizeSymbol trims and upper-cases a symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// SourceFor infers the upstream source from the shape of a symbol: numeric
// scheme codes are mutual funds, tickers are equities.
func SourceFor(symbol string) (Source, bool) {
	if symbol == "" {
		return "", false
	}
	digits := true
	for _, c := range symbol {
		if c < '0' || c > '9' {
			digits = false
			break
		}
	}
	if digits {
		return SourceFund, true
	}

	first := rune(symbol[0])
	if !isLetter(first) && first != '^' {
		return "", false
	}
	for _, c := range symbol {
		if isLetter(c) || (c >= '0' && c <= '9') {
			continue
		}
		switch c {
		case '.', '-', '^', '=', '&':
			continue
		}
		return "", false
	}
	return SourceEquity, true
}

func isLetter(c rune) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}
