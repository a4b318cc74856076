package identifier

import (
	"regexp"
	"strings"
	"unicode"
)

// Kind names the branch of the priority chain that produced an identity.
type Kind string

const (
	KindNone        Kind = ""
	KindTaxID       Kind = "tax_id"
	KindRandomKey   Kind = "random_key"
	KindPhone       Kind = "phone"
	KindEmail       Kind = "email"
	KindBankRouting Kind = "bank_routing"
	KindName        Kind = "name"
)

// Identity is the counterparty derived from a description. At most one strong
// identifier is set; Routing may be set alongside it.
type Identity struct {
	Kind       Kind   `json:"kind,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	Name       string `json:"name,omitempty"`
	Routing    string `json:"routing,omitempty"`
}

// HasStrongIdentifier reports whether a tax id, random key, phone or email was found.
func (i Identity) HasStrongIdentifier() bool {
	return i.Identifier != ""
}

type span struct {
	start, end int
}

type match struct {
	kind  Kind
	value string
	span  span
}

// matcher is one link of the priority chain.
type matcher struct {
	kind Kind
	find func(text string) (match, bool)
}

// chain is evaluated in order; the first matcher that finds anything wins.
var chain = []matcher{
	{kind: KindTaxID, find: findTaxID},
	{kind: KindRandomKey, find: findRandomKey},
	{kind: KindPhone, find: findContact},
	{kind: KindBankRouting, find: findRouting},
}

var (
	taxIDRe     = regexp.MustCompile(`\d{2}\.?\d{3}\.?\d{3}/?\d{4}-?\d{2}|\d{3}\.?\d{3}\.?\d{3}-?\d{2}`)
	randomKeyRe = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	phoneRe     = regexp.MustCompile(`(?:\+?55[\s-]?)?(?:\(\d{2}\)\s?|\d{2}[\s-]?)9?\d{4}[\s-]?\d{4}`)
	emailRe     = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	routingRe   = regexp.MustCompile(`(?i)\((\d{3,4})\)\s*ag(?:encia|ency)\.?\s*:?\s*(\d{1,5}(?:-\d)?)\s*[-,|]?\s*(?:conta|account|c/c|cc)\.?\s*:?\s*(\d[\d.]*(?:-[\dxX])?)`)
	separatorRe = regexp.MustCompile(`\s[-–—|/]\s|\|+|•+`)
	typeWordRe  = regexp.MustCompile(`(?i)\b(?:transferencia|transfer|pagamento|pagto|pgto|payment|compra|purchase|saque|withdrawal|deposito|deposit)\b`)
)

// Extract derives the counterparty identity from a description.
// It never fails: no match yields an empty Identity.
func Extract(description string) Identity {
	return extract(fold(description)).identity
}

type extraction struct {
	identity Identity
	spans    []span
}

func extract(text string) extraction {
	var ex extraction
	if text == "" {
		return ex
	}

	if m, ok := findRouting(text); ok {
		ex.identity.Routing = m.value
		ex.spans = append(ex.spans, m.span)
	}

	for _, mt := range chain {
		m, ok := mt.find(text)
		if !ok {
			continue
		}
		ex.identity.Kind = m.kind
		if m.kind != KindBankRouting {
			ex.identity.Identifier = m.value
			ex.spans = append(ex.spans, m.span)
		}
		ex.identity.Name = nameBefore(text[:m.span.start])
		return ex
	}

	if name := fallbackName(text); name != "" {
		ex.identity.Kind = KindName
		ex.identity.Name = name
	}
	return ex
}

// digitGuarded reports whether the match is not glued to other digits.
func digitGuarded(text string, start, end int) bool {
	if start > 0 && isDigitByte(text[start-1]) {
		return false
	}
	if end < len(text) && isDigitByte(text[end]) {
		return false
	}
	return true
}

func findTaxID(text string) (match, bool) {
	for _, loc := range taxIDRe.FindAllStringIndex(text, -1) {
		if !digitGuarded(text, loc[0], loc[1]) {
			continue
		}
		digits := onlyDigits(text[loc[0]:loc[1]])
		if len(digits) != 11 && len(digits) != 14 {
			continue
		}
		return match{kind: KindTaxID, value: digits, span: span{loc[0], loc[1]}}, true
	}
	return match{}, false
}

func findRandomKey(text string) (match, bool) {
	loc := randomKeyRe.FindStringIndex(text)
	if loc == nil {
		return match{}, false
	}
	return match{
		kind:  KindRandomKey,
		value: strings.ToLower(text[loc[0]:loc[1]]),
		span:  span{loc[0], loc[1]},
	}, true
}

func findPhone(text string) (match, bool) {
	for _, loc := range phoneRe.FindAllStringIndex(text, -1) {
		if !digitGuarded(text, loc[0], loc[1]) {
			continue
		}
		digits := onlyDigits(text[loc[0]:loc[1]])
		if len(digits) > 11 && strings.HasPrefix(digits, "55") {
			digits = digits[2:]
		}
		if len(digits) != 10 && len(digits) != 11 {
			continue
		}
		return match{kind: KindPhone, value: digits, span: span{loc[0], loc[1]}}, true
	}
	return match{}, false
}

func findEmail(text string) (match, bool) {
	loc := emailRe.FindStringIndex(text)
	if loc == nil {
		return match{}, false
	}
	return match{
		kind:  KindEmail,
		value: strings.ToLower(text[loc[0]:loc[1]]),
		span:  span{loc[0], loc[1]},
	}, true
}

// findContact returns whichever of phone or email starts first.
func findContact(text string) (match, bool) {
	phone, okPhone := findPhone(text)
	email, okEmail := findEmail(text)
	switch {
	case okPhone && okEmail:
		if email.span.start < phone.span.start {
			return email, true
		}
		return phone, true
	case okPhone:
		return phone, true
	case okEmail:
		return email, true
	}
	return match{}, false
}

// findRouting matches "<bank> (<code>) Agência: <n> Conta: <n>".
// The bank name is the segment right before the parenthesised code.
func findRouting(text string) (match, bool) {
	sub := routingRe.FindStringSubmatchIndex(text)
	if sub == nil {
		return match{}, false
	}
	code := text[sub[2]:sub[3]]
	agency := text[sub[4]:sub[5]]
	account := text[sub[6]:sub[7]]

	prefix := text[:sub[0]]
	bankStart := 0
	if seps := separatorRe.FindAllStringIndex(prefix, -1); len(seps) > 0 {
		bankStart = seps[len(seps)-1][1]
	}
	bank := NormalizeName(prefix[bankStart:])

	parts := make([]string, 0, 4)
	for _, p := range []string{bank, code, agency, strings.ToLower(account)} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return match{
		kind:  KindBankRouting,
		value: strings.Join(parts, " "),
		span:  span{bankStart, sub[1]},
	}, true
}

// nameBefore finds the last segment of prefix that ends in a run of letters
// which is not just transaction-type words.
func nameBefore(prefix string) string {
	segments := separatorRe.Split(prefix, -1)
	for i := len(segments) - 1; i >= 0; i-- {
		if name := trailingLetters(segments[i]); name != "" {
			return name
		}
	}
	return ""
}

// fallbackName looks for letters after a transaction-type word, or at the
// start of the text when there is no such word.
func fallbackName(text string) string {
	rest := text
	if loc := typeWordRe.FindStringIndex(text); loc != nil {
		rest = text[loc[1]:]
	}
	for _, seg := range separatorRe.Split(rest, -1) {
		if name := leadingLetters(seg); name != "" {
			return name
		}
	}
	return ""
}

func notLetterOrSpace(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsSpace(r)
}

func trailingLetters(seg string) string {
	rs := []rune(strings.TrimRightFunc(seg, func(r rune) bool { return !unicode.IsLetter(r) }))
	start := len(rs)
	for start > 0 && !notLetterOrSpace(rs[start-1]) {
		start--
	}
	return stripLeadingKeywords(NormalizeName(string(rs[start:])))
}

// leadingLetters returns the first run of letters in seg that is not just
// keywords.
func leadingLetters(seg string) string {
	for {
		seg = strings.TrimLeftFunc(seg, func(r rune) bool { return !unicode.IsLetter(r) })
		if seg == "" {
			return ""
		}
		end := strings.IndexFunc(seg, notLetterOrSpace)
		if end == -1 {
			end = len(seg)
		}
		if name := stripLeadingKeywords(NormalizeName(seg[:end])); name != "" {
			return name
		}
		seg = seg[end:]
	}
}
