// Package identifier turns free-text statement descriptions into a
// counterparty identity and a stable matching key.
package identifier

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// fold strips accents and collapses whitespace, keeping case and punctuation.
func fold(s string) string {
	// transform.Chain keeps state, so build one per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(out), " ")
}

// NormalizeName lowercases, strips accents, drops every character that is not
// a letter, digit, space or hyphen, and collapses whitespace.
func NormalizeName(s string) string {
	folded := strings.ToLower(fold(s))
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// keywords are transaction-type and filler words that never belong to a
// counterparty name when they lead it.
var keywords = map[string]bool{
	"transferencia": true, "transferencias": true, "transfer": true,
	"enviada": true, "enviado": true, "recebida": true, "recebido": true,
	"sent": true, "received": true,
	"pix": true, "ted": true, "doc": true, "tef": true,
	"pagamento": true, "pagto": true, "pgto": true, "payment": true,
	"compra": true, "purchase": true,
	"saque": true, "withdrawal": true,
	"deposito": true, "deposit": true,
	"debito": true, "credito": true, "cartao": true, "boleto": true,
	"pelo": true, "pela": true, "por": true, "via": true,
	"de": true, "do": true, "da": true, "para": true, "no": true, "na": true,
	"em": true, "com": true, "to": true, "from": true, "at": true,
}

// stripLeadingKeywords drops keyword tokens from the start of a normalized name.
func stripLeadingKeywords(name string) string {
	tokens := strings.Fields(name)
	i := 0
	for i < len(tokens) && keywords[tokens[i]] {
		i++
	}
	return strings.Join(tokens[i:], " ")
}

// onlyDigits keeps the ASCII digits of s.
func onlyDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func isDigitByte(b byte) bool {
	return b >= '0' && b <= '9'
}
