package account

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func makeAccessToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	data, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	seg := base64.RawURLEncoding.EncodeToString(data)
	return "h." + seg + ".s"
}

func TestLoadAuthStorageMissingIsEmpty(t *testing.T) {
	dir := t.TempDir()
	f, err := LoadAuthStorage(filepath.Join(dir, "auth.json"), LoadOptions{LockReads: true})
	if err != nil {
		t.Fatal(err)
	}
	if f.OpenAI != nil {
		t.Errorf("expected nil OpenAI block for missing file, got %+v", f.OpenAI)
	}
}

// S5: legacy single-record migration.
func TestMigrationLegacySingleRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.json")
	token := makeAccessToken(t, map[string]any{
		"chatgpt_account_id": "acc1",
		"email":              "User@Example.com",
		"plan":               "Plus",
	})
	raw := `{"openai":{"openai":{"refresh":"rt_1","access":"` + token + `","expires":99999}}}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := LoadAuthStorage(path, LoadOptions{LockReads: true})
	if err != nil {
		t.Fatal(err)
	}
	if f.OpenAI.Native == nil || len(f.OpenAI.Native.Accounts) != 1 {
		t.Fatalf("expected one native account, got %+v", f.OpenAI)
	}
	acc := f.OpenAI.Native.Accounts[0]
	if acc.IdentityKey != "acc1|user@example.com|plus" {
		t.Errorf("identityKey = %q", acc.IdentityKey)
	}
}

// Migration idempotence (testable property 5): loading twice == loading once.
func TestMigrationIdempotence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.json")
	raw := `{"openai":{"openai":{"refresh":"rt_1","access":"","expires":0,"email":"a@b.com","plan":"plus"}}}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	first, err := LoadAuthStorage(path, LoadOptions{LockReads: true})
	if err != nil {
		t.Fatal(err)
	}
	firstJSON, _ := json.Marshal(first)

	// Persist first's result and reload.
	if _, err := SaveAuthStorage(path, false, 0, func(f *AuthFile) error {
		*f = *first
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	second, err := LoadAuthStorage(path, LoadOptions{LockReads: true})
	if err != nil {
		t.Fatal(err)
	}
	secondJSON, _ := json.Marshal(second)
	if string(firstJSON) != string(secondJSON) {
		t.Errorf("migration not idempotent:\nfirst=%s\nsecond=%s", firstJSON, secondJSON)
	}
}

// S6: display-index collision.
func TestSwitchAccountByIndexResolvesByRowNotIdentity(t *testing.T) {
	domain := &OpenAIOAuthDomain{
		Accounts: []AccountRecord{
			{IdentityKey: "dup", Enabled: false},
			{IdentityKey: "dup", Enabled: true},
		},
	}
	if err := SwitchAccountByIndex(domain, 2); err != nil {
		t.Fatal(err)
	}
	if domain.ActiveIdentityKey != "dup" {
		t.Errorf("ActiveIdentityKey = %q", domain.ActiveIdentityKey)
	}
	// Row 1 (disabled) must still be rejected even though identity matches row 2.
	if err := SwitchAccountByIndex(domain, 1); err != ErrTargetDisabled {
		t.Errorf("err = %v, want ErrTargetDisabled", err)
	}
}

func TestDedupeIdentityKeysAppendsDupSuffix(t *testing.T) {
	accounts := []AccountRecord{
		{IdentityKey: "x"},
		{IdentityKey: "x"},
		{IdentityKey: "x"},
	}
	dedupeIdentityKeys(accounts)
	if accounts[0].IdentityKey != "x" {
		t.Errorf("first = %q", accounts[0].IdentityKey)
	}
	if accounts[1].IdentityKey != "x|dup:1" {
		t.Errorf("second = %q", accounts[1].IdentityKey)
	}
	if accounts[2].IdentityKey != "x|dup:2" {
		t.Errorf("third = %q", accounts[2].IdentityKey)
	}
}

func TestSaveAuthStorageSkipsWriteWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.json")
	if _, err := SaveAuthStorage(path, false, 0, func(f *AuthFile) error {
		domain := f.EnsureDomain(ModeNative)
		domain.Accounts = append(domain.Accounts, AccountRecord{
			IdentityKey: "a|b|c", Enabled: true, AuthTypes: []string{"native"},
		})
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	// identity mutator: no-op.
	if _, err := SaveAuthStorage(path, false, 0, func(f *AuthFile) error { return nil }); err != nil {
		t.Fatal(err)
	}
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info1.ModTime() != info2.ModTime() {
		t.Error("identity mutator changed the file's mtime")
	}
}

func TestDomainUnionMergesByIdentity(t *testing.T) {
	block := &openaiBlock{
		Native: &OpenAIOAuthDomain{Accounts: []AccountRecord{
			{IdentityKey: "k1", Enabled: false, Expires: 100, AuthTypes: []string{"native"}},
		}},
		Codex: &OpenAIOAuthDomain{Accounts: []AccountRecord{
			{IdentityKey: "k1", Enabled: true, Expires: 200, AuthTypes: []string{"codex"}},
		}},
	}
	recomputeUnionView(block)
	if len(block.Accounts) != 1 {
		t.Fatalf("union accounts = %d, want 1", len(block.Accounts))
	}
	u := block.Accounts[0]
	if u.Expires != 200 {
		t.Errorf("union Expires = %d, want 200 (later wins)", u.Expires)
	}
	if !u.Enabled {
		t.Error("union Enabled should be OR of both")
	}
	if len(u.AuthTypes) != 2 {
		t.Errorf("union AuthTypes = %v, want both native and codex", u.AuthTypes)
	}
}

func TestSetAccountCooldownFailsSilentlyOnDisabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.json")
	if _, err := SaveAuthStorage(path, false, 0, func(f *AuthFile) error {
		domain := f.EnsureDomain(ModeNative)
		domain.Accounts = append(domain.Accounts, AccountRecord{
			IdentityKey: "a|b|c", Enabled: false, AuthTypes: []string{"native"},
		})
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := SetAccountCooldown(path, false, 0, "a|b|c", 12345, ModeNative); err != nil {
		t.Fatal(err)
	}
	f, err := LoadAuthStorage(path, LoadOptions{LockReads: true})
	if err != nil {
		t.Fatal(err)
	}
	rec := f.OpenAI.Native.FindByIdentityKey("a|b|c")
	if rec.CooldownUntil != 0 {
		t.Errorf("CooldownUntil = %d, want 0 (disabled account is a no-op)", rec.CooldownUntil)
	}
}
