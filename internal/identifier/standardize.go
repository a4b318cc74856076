package identifier

import (
	"regexp"
	"strings"
	"unicode"
)

// KeySeparator joins the components of a standardized key.
const KeySeparator = "|"

var (
	maskedDocRe  = regexp.MustCompile(`\S*[•*]{2,}\S*`)
	timeRe       = regexp.MustCompile(`\b\d{1,2}:\d{2}(?::\d{2})?\b`)
	dateRe       = regexp.MustCompile(`\b\d{1,4}[/.-]\d{1,2}(?:[/.-]\d{2,4})?\b`)
	longNumberRe = regexp.MustCompile(`\d{10,}`)
)

// purposeNoise is applied in order to the description before the purpose
// phrase is normalized. Long numbers go before tax ids so a barcode is
// removed whole instead of in tax-id sized pieces.
var purposeNoise = []*regexp.Regexp{
	maskedDocRe,
	longNumberRe,
	taxIDRe,
	randomKeyRe,
	emailRe,
	timeRe,
	dateRe,
	typeWordRe,
}

// Standardize builds the key under which category mappings are stored:
// purpose phrase, counterparty name and identifier (or bank routing), joined
// by KeySeparator with empty parts omitted. The same description always
// yields the same key.
func Standardize(description string) string {
	text := fold(description)
	if text == "" {
		return ""
	}
	ex := extract(text)

	id := ex.identity.Identifier
	if id == "" {
		id = ex.identity.Routing
	}

	parts := make([]string, 0, 3)
	for _, p := range []string{purposePhrase(text, ex), ex.identity.Name, id} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, KeySeparator)
}

// purposePhrase is what remains of the description once identifiers,
// dates, masked documents, type words and the counterparty name are removed.
func purposePhrase(text string, ex extraction) string {
	p := blankSpans(text, ex.spans)
	for _, re := range purposeNoise {
		p = re.ReplaceAllString(p, " ")
	}
	p = NormalizeName(p)

	if name := ex.identity.Name; name != "" {
		p = strings.Replace(" "+p+" ", " "+name+" ", " ", 1)
	}

	tokens := strings.Fields(p)
	kept := tokens[:0]
	for _, t := range tokens {
		if strings.IndexFunc(t, isAlnum) >= 0 {
			kept = append(kept, t)
		}
	}
	return strings.Join(kept, " ")
}

func blankSpans(text string, spans []span) string {
	if len(spans) == 0 {
		return text
	}
	b := []byte(text)
	for _, s := range spans {
		for i := s.start; i < s.end && i < len(b); i++ {
			b[i] = ' '
		}
	}
	return string(b)
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
