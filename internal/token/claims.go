package token

// Mapper renames inbound claim keys to their canonical names. Only explicit
// rules apply; there is no automatic or legacy remapping, so any key without
// a rule passes through with its raw name preserved.
type Mapper struct {
	rules map[string]string
}

// NewMapper builds a mapper from explicit source->canonical rules.
func NewMapper(rules map[string]string) *Mapper {
	copied := make(map[string]string, len(rules))
	for k, v := range rules {
		copied[k] = v
	}
	return &Mapper{rules: copied}
}

// DefaultMapper maps the provider's generic claims to the names the gallery
// applications are configured with: the display name lives in "given_name"
// and roles in "role".
func DefaultMapper() *Mapper {
	return NewMapper(map[string]string{
		"name":  "given_name",
		"roles": "role",
	})
}

// Normalize returns a claim set with every rule applied. A canonical name
// already present in the input wins over a remapped one.
func (m *Mapper) Normalize(claims Claims) Claims {
	out := make(Claims, len(claims))
	for k, v := range claims {
		canonical, mapped := m.rules[k]
		if !mapped {
			out[k] = v
			continue
		}
		if _, present := claims[canonical]; present {
			continue
		}
		out[canonical] = v
	}
	return out
}
