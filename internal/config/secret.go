package config

// Secret is a string that never prints itself. It keeps API keys and
// encryption keys out of logs and config dumps.
type Secret string

func (s Secret) String() string {
	return s.masked()
}

// MarshalYAML masks the value so a dumped config stays safe to share.
func (s Secret) MarshalYAML() (interface{}, error) {
	return s.masked(), nil
}

// Reveal returns the underlying value. Call sites are easy to audit.
func (s Secret) Reveal() string {
	return string(s)
}

func (s Secret) masked() string {
	if len(s) <= 8 {
		return "****"
	}
	return string(s[:4]) + "****" + string(s[len(s)-4:])
}
