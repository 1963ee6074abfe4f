package strategy

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const blacklistDateFormat = "2006-01-02"

// Blacklist maps a ticker to its exclusion expiry date. A nil expiry means
// indefinite exclusion; a date means the exclusion expires after that date.
type Blacklist map[string]*time.Time

// LoadBlacklist reads the wash-sale blacklist file. A missing file is an
// empty blacklist.
func LoadBlacklist(path string) (Blacklist, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Blacklist{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blacklist: %w", err)
	}

	var raw map[string]*string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode blacklist: %w", err)
	}

	b := make(Blacklist, len(raw))
	for ticker, expiryStr := range raw {
		if expiryStr == nil {
			b[ticker] = nil
			continue
		}
		expiry, err := time.Parse(blacklistDateFormat, *expiryStr)
		if err != nil {
			return nil, fmt.Errorf("invalid blacklist expiry %q for %s: %w", *expiryStr, ticker, err)
		}
		b[ticker] = &expiry
	}
	return b, nil
}

// Save writes the blacklist as {ticker: ISO-date-or-null}.
func (b Blacklist) Save(path string) error {
	raw := make(map[string]*string, len(b))
	for ticker, expiry := range b {
		if expiry == nil {
			raw[ticker] = nil
			continue
		}
		s := expiry.Format(blacklistDateFormat)
		raw[ticker] = &s
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode blacklist: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write blacklist: %w", err)
	}
	return nil
}

// Active returns the tickers whose exclusion is in force on the given day.
func (b Blacklist) Active(today time.Time) map[string]struct{} {
	active := make(map[string]struct{})
	for ticker, expiry := range b {
		if expiry == nil || !today.After(*expiry) {
			active[ticker] = struct{}{}
		}
	}
	return active
}

// Extend blacklists the given tickers through the expiry date, keeping the
// later of old and new expiry for tickers already present. An existing
// indefinite (nil) exclusion always wins.
func (b Blacklist) Extend(tickers []string, expiry time.Time) {
	for _, ticker := range tickers {
		existing, ok := b[ticker]
		if ok && (existing == nil || existing.After(expiry)) {
			continue
		}
		e := expiry
		b[ticker] = &e
	}
}
