package account

import (
	"encoding/json"
	"sort"

	"github.com/opencred/oauth-broker/internal/identity"
)

// legacyRecord is the shape of a pre-multi-account single-record "openai"
// OAuth credential: { "refresh": "...", "access": "...", "expires": ... }.
type legacyRecord struct {
	Refresh string `json:"refresh,omitempty"`
	Access  string `json:"access,omitempty"`
	Expires int64  `json:"expires,omitempty"`
	Email   string `json:"email,omitempty"`
	Plan    string `json:"plan,omitempty"`
}

// normalize applies every migration rule from spec.md §4.E, then re-derives
// identity keys and reconciles active-identity pointers. isCodexScoped
// strips non-"openai" top-level keys per migration rule 5.
func normalize(f *AuthFile, isCodexScoped bool) {
	if f.OpenAI == nil {
		if isCodexScoped {
			f.Extra = nil
		}
		return
	}

	migrateLegacySingleRecord(f.OpenAI)
	splitDenormalizedAccounts(f.OpenAI)
	mergeDomainsByIdentity(f.OpenAI)
	rederiveIdentityKeys(f.OpenAI)
	reconcileActiveIdentityKeys(f.OpenAI)
	recomputeUnionView(f.OpenAI)

	if isCodexScoped {
		f.Extra = nil
	}
}

// migrateLegacySingleRecord applies rule 1: a bare legacy record nested at
// openai.openai becomes one native-domain AccountRecord.
func migrateLegacySingleRecord(block *openaiBlock) {
	if len(block.LegacyOpenAI) == 0 {
		return
	}
	defer func() { block.LegacyOpenAI = nil }()

	var legacy legacyRecord
	if err := json.Unmarshal(block.LegacyOpenAI, &legacy); err != nil {
		return
	}
	if legacy.Refresh == "" && legacy.Access == "" {
		return
	}

	rec := AccountRecord{
		Email:     legacy.Email,
		Plan:      legacy.Plan,
		Access:    legacy.Access,
		Refresh:   legacy.Refresh,
		Expires:   legacy.Expires,
		Enabled:   true,
		AuthTypes: []string{string(ModeNative)},
	}
	if block.Native == nil {
		block.Native = &OpenAIOAuthDomain{}
	}
	block.Native.Accounts = append(block.Native.Accounts, rec)
}

// splitDenormalizedAccounts applies rule 2: when only the flat "accounts"
// list is populated, distribute its entries into native/codex by authTypes.
func splitDenormalizedAccounts(block *openaiBlock) {
	if block.Native != nil || block.Codex != nil {
		return
	}
	if len(block.Accounts) == 0 {
		return
	}
	native := &OpenAIOAuthDomain{Strategy: block.Strategy, ActiveIdentityKey: block.ActiveIdentityKey}
	codex := &OpenAIOAuthDomain{}
	for _, rec := range block.Accounts {
		types := rec.AuthTypes
		if len(types) == 0 {
			types = []string{string(ModeNative)}
		}
		for _, t := range types {
			switch Mode(t) {
			case ModeCodex:
				codex.Accounts = append(codex.Accounts, rec)
			default:
				native.Accounts = append(native.Accounts, rec)
			}
		}
	}
	if len(native.Accounts) > 0 {
		block.Native = native
	}
	if len(codex.Accounts) > 0 {
		block.Codex = codex
	}
}

// mergeDomainsByIdentity applies rule 3: when the same identityKey appears
// in both domains, reconcile expires/authTypes/enabled and write the merged
// fields back into both copies.
func mergeDomainsByIdentity(block *openaiBlock) {
	if block.Native == nil || block.Codex == nil {
		return
	}
	for i := range block.Native.Accounts {
		native := &block.Native.Accounts[i]
		if native.IdentityKey == "" {
			continue
		}
		codex := block.Codex.FindByIdentityKey(native.IdentityKey)
		if codex == nil {
			continue
		}
		mergeInto(native, codex)
	}
}

// mergeInto reconciles two records for the same identity: prefer the
// greater expires' access/refresh pair, union authTypes, OR enabled.
func mergeInto(a, b *AccountRecord) {
	enabled := a.Enabled || b.Enabled
	var winner, loser *AccountRecord
	if a.Expires >= b.Expires {
		winner, loser = a, b
	} else {
		winner, loser = b, a
	}
	authTypes := unionStrings(a.AuthTypes, b.AuthTypes)
	a.Access, a.Refresh, a.Expires = winner.Access, winner.Refresh, winner.Expires
	b.Access, b.Refresh, b.Expires = winner.Access, winner.Refresh, winner.Expires
	a.Enabled, b.Enabled = enabled, enabled
	a.AuthTypes, b.AuthTypes = append([]string(nil), authTypes...), append([]string(nil), authTypes...)
	if loser.LastUsed > winner.LastUsed {
		a.LastUsed, b.LastUsed = loser.LastUsed, loser.LastUsed
	}
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// rederiveIdentityKeys recomputes each account's identityKey from its
// current claims (adopting richer access-token claims where parseable),
// then disambiguates collisions within each domain with a "|dup:N" suffix.
func rederiveIdentityKeys(block *openaiBlock) {
	for _, domain := range []*OpenAIOAuthDomain{block.Native, block.Codex} {
		if domain == nil {
			continue
		}
		for i := range domain.Accounts {
			synchronizeIdentityKey(&domain.Accounts[i])
		}
		dedupeIdentityKeys(domain.Accounts)
	}
}

// synchronizeIdentityKey adopts richer fields from the access token's claims
// when present, then re-derives identityKey: a complete accountId|email|plan
// triple when possible; otherwise an existing identityKey is kept, and an
// empty one gets a legacy fingerprint.
func synchronizeIdentityKey(rec *AccountRecord) {
	if rec.Access != "" {
		if claims, err := identity.ParseClaims(rec.Access); err == nil {
			if claims.AccountID != "" {
				rec.AccountID = claims.AccountID
			}
			if claims.Email != "" {
				rec.Email = claims.Email
			}
			if claims.Plan != "" {
				rec.Plan = claims.Plan
			}
		}
	}
	if identity.IsComplete(rec.AccountID, rec.Email, rec.Plan) {
		rec.IdentityKey = identity.BuildIdentityKey(rec.AccountID, rec.Email, rec.Plan)
		return
	}
	if rec.IdentityKey != "" {
		// Keep an existing key (a legacy fingerprint included) stable across
		// loads instead of rehashing (the refresh token used to mint it may
		// have rotated).
		return
	}
	rec.IdentityKey = identity.LegacyFingerprint(rec.Refresh, rec.Email, rec.Plan)
}

func dedupeIdentityKeys(accounts []AccountRecord) {
	seen := make(map[string]int, len(accounts))
	for i := range accounts {
		key := accounts[i].IdentityKey
		n := seen[key]
		seen[key] = n + 1
		if n > 0 {
			accounts[i].IdentityKey = key + "|dup:" + itoa(n)
		}
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// reconcileActiveIdentityKeys applies rule 4's second half: activeIdentityKey
// must reference an enabled account in the same domain.
func reconcileActiveIdentityKeys(block *openaiBlock) {
	for _, domain := range []*OpenAIOAuthDomain{block.Native, block.Codex} {
		if domain == nil {
			continue
		}
		if rec := domain.FindByIdentityKey(domain.ActiveIdentityKey); rec != nil && rec.Enabled {
			continue
		}
		domain.ActiveIdentityKey = ""
		for i := range domain.Accounts {
			if domain.Accounts[i].Enabled {
				domain.ActiveIdentityKey = domain.Accounts[i].IdentityKey
				break
			}
		}
	}
}

// recomputeUnionView rebuilds the denormalized top-level accounts list: the
// multiset union of domain accounts, deduplicated by identityKey, merging
// authTypes and preferring the record with the later expires. This is
// derived state -- never read back as authoritative, only served to legacy
// tooling.
func recomputeUnionView(block *openaiBlock) {
	index := make(map[string]*AccountRecord)
	order := make([]string, 0)
	apply := func(domain *OpenAIOAuthDomain) {
		if domain == nil {
			return
		}
		for i := range domain.Accounts {
			rec := &domain.Accounts[i]
			if existing, ok := index[rec.IdentityKey]; ok {
				if rec.Expires > existing.Expires {
					existing.Access, existing.Refresh, existing.Expires = rec.Access, rec.Refresh, rec.Expires
				}
				existing.AuthTypes = unionStrings(existing.AuthTypes, rec.AuthTypes)
				existing.Enabled = existing.Enabled || rec.Enabled
				continue
			}
			clone := rec.Clone()
			index[rec.IdentityKey] = clone
			order = append(order, rec.IdentityKey)
		}
	}
	apply(block.Native)
	apply(block.Codex)

	union := make([]AccountRecord, 0, len(order))
	for _, key := range order {
		union = append(union, *index[key])
	}
	block.Accounts = union

	if block.Native != nil {
		block.ActiveIdentityKey = block.Native.ActiveIdentityKey
		block.Strategy = block.Native.Strategy
	} else if block.Codex != nil {
		block.ActiveIdentityKey = block.Codex.ActiveIdentityKey
		block.Strategy = block.Codex.Strategy
	}
}

// sortAccountsByIdentity sorts accounts in place by identityKey. Nothing in
// this module calls it.
func sortAccountsByIdentity(accounts []AccountRecord) {
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].IdentityKey < accounts[j].IdentityKey })
}
