package account

import "encoding/json"

// MarshalJSON renders the "openai" key plus any preserved Extra top-level
// keys, so a host auth file's other providers round-trip untouched.
func (f *AuthFile) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(f.Extra)+1)
	for k, v := range f.Extra {
		out[k] = v
	}
	if f.OpenAI != nil {
		raw, err := json.Marshal(f.OpenAI)
		if err != nil {
			return nil, err
		}
		out["openai"] = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the "openai" key from everything else, stashing the
// rest in Extra for verbatim round-tripping.
func (f *AuthFile) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.Extra = make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		if k == "openai" {
			continue
		}
		f.Extra[k] = v
	}
	if openaiRaw, ok := raw["openai"]; ok {
		var block openaiBlock
		if err := json.Unmarshal(openaiRaw, &block); err != nil {
			return err
		}
		f.OpenAI = &block
	}
	return nil
}
