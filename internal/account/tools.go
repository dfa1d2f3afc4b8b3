package account

import "errors"

// ErrInvalidIndex is returned when a display index is out of range or not a
// positive integer.
var ErrInvalidIndex = errors.New("account: invalid display index")

// ErrTargetDisabled is returned by SwitchAccountByIndex when the requested
// row is a disabled account.
var ErrTargetDisabled = errors.New("account: target account is disabled")

// AccountRow is the observer-facing view of one account, keyed by its
// 1-based position in the domain's account list -- the authoritative row
// identifier per spec.md §6.5, since identityKeys may collide after import.
type AccountRow struct {
	DisplayIndex int
	IdentityKey  string
	Email        string
	Plan         string
	Enabled      bool
	IsActive     bool
}

// ListAccountsForTools returns 1-based rows for display/selection.
func ListAccountsForTools(domain *OpenAIOAuthDomain) []AccountRow {
	if domain == nil {
		return nil
	}
	rows := make([]AccountRow, 0, len(domain.Accounts))
	for i, rec := range domain.Accounts {
		rows = append(rows, AccountRow{
			DisplayIndex: i + 1,
			IdentityKey:  rec.IdentityKey,
			Email:        rec.Email,
			Plan:         rec.Plan,
			Enabled:      rec.Enabled,
			IsActive:     rec.IdentityKey == domain.ActiveIdentityKey,
		})
	}
	return rows
}

// SwitchAccountByIndex sets domain's activeIdentityKey to the row at
// displayIndex (1-based). Refuses disabled targets and out-of-range indices.
// Acts on the row, not the identity, so collisions resolve unambiguously
// (spec.md testable property 9).
func SwitchAccountByIndex(domain *OpenAIOAuthDomain, displayIndex int) error {
	rec, err := rowAt(domain, displayIndex)
	if err != nil {
		return err
	}
	if !rec.Enabled {
		return ErrTargetDisabled
	}
	domain.ActiveIdentityKey = rec.IdentityKey
	return nil
}

// ToggleAccountEnabledByIndex flips the Enabled flag of the row at
// displayIndex, fixing up activeIdentityKey if the toggled row was active
// and became disabled.
func ToggleAccountEnabledByIndex(domain *OpenAIOAuthDomain, displayIndex int) error {
	rec, err := rowAt(domain, displayIndex)
	if err != nil {
		return err
	}
	rec.Enabled = !rec.Enabled
	if !rec.Enabled && domain.ActiveIdentityKey == rec.IdentityKey {
		domain.ActiveIdentityKey = nearestEnabledNeighbor(domain, displayIndex)
	}
	return nil
}

// RemoveAccountByIndex deletes the row at displayIndex, picking the nearest
// enabled neighbor as the new active identity if the removed row was active.
func RemoveAccountByIndex(domain *OpenAIOAuthDomain, displayIndex int) error {
	rec, err := rowAt(domain, displayIndex)
	if err != nil {
		return err
	}
	wasActive := domain.ActiveIdentityKey == rec.IdentityKey
	var fallback string
	if wasActive {
		fallback = nearestEnabledNeighbor(domain, displayIndex)
	}
	idx := displayIndex - 1
	domain.Accounts = append(domain.Accounts[:idx], domain.Accounts[idx+1:]...)
	if wasActive {
		domain.ActiveIdentityKey = fallback
	}
	return nil
}

func rowAt(domain *OpenAIOAuthDomain, displayIndex int) (*AccountRecord, error) {
	if domain == nil || displayIndex < 1 || displayIndex > len(domain.Accounts) {
		return nil, ErrInvalidIndex
	}
	return &domain.Accounts[displayIndex-1], nil
}

// nearestEnabledNeighbor scans outward from displayIndex (1-based, already
// removed-or-disabled) for the closest enabled account, preferring the
// lower index on ties.
func nearestEnabledNeighbor(domain *OpenAIOAuthDomain, displayIndex int) string {
	n := len(domain.Accounts)
	for dist := 1; dist < n; dist++ {
		if before := displayIndex - 1 - dist; before >= 0 && before < n {
			if domain.Accounts[before].Enabled {
				return domain.Accounts[before].IdentityKey
			}
		}
		if after := displayIndex - 1 + dist; after >= 0 && after < n {
			if domain.Accounts[after].Enabled {
				return domain.Accounts[after].IdentityKey
			}
		}
	}
	return ""
}
