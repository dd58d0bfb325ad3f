package util

import "strings"

// DigitsOnly strips everything except ASCII digits.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizePhone returns the E.164 form of a phone number: a leading "+" and digits only.
// An international "00" prefix is folded into "+". Empty input yields "".
func NormalizePhone(raw string) string {
	s := strings.TrimSpace(raw)
	d := DigitsOnly(s)
	if d == "" {
		return ""
	}
	if !strings.HasPrefix(s, "+") && strings.HasPrefix(d, "00") {
		d = d[2:]
	}
	if d == "" {
		return ""
	}
	return "+" + d
}

// PhoneVariants returns the equivalent spellings under which a phone number
// may have been stored: with and without "+", and with leading zeros stripped.
// The normalized E.164 form comes first. The result holds no duplicates.
func PhoneVariants(raw string) []string {
	d := DigitsOnly(raw)
	if d == "" {
		return nil
	}
	seen := make(map[string]bool, 6)
	var out []string
	add := func(v string) {
		if v == "" || v == "+" || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, v)
	}
	if n := NormalizePhone(raw); n != "" {
		add(n)
		add(strings.TrimPrefix(n, "+"))
	}
	add("+" + d)
	add(d)
	trimmed := strings.TrimLeft(d, "0")
	add(trimmed)
	if trimmed != "" {
		add("+" + trimmed)
	}
	return out
}
