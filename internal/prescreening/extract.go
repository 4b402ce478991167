package prescreening

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
)

// Extraction is the outcome of parsing one raw answer.
type Extraction struct {
	Value      *Value
	Confidence float64
	Extractor  string
}

// Extract parses raw according to the question kind. A parse failure returns
// an Extraction with a nil value and an error wrapping apperr.ErrParseFailure.
func Extract(q Question, raw string) (Extraction, error) {
	text := strings.TrimSpace(raw)
	kind := q.Kind
	if kind == "" {
		kind = QuestionText
	}
	out := Extraction{Extractor: string(kind)}
	if text == "" {
		return out, parseFailure(q, errors.New("empty answer"))
	}
	var (
		v    Value
		conf float64
		err  error
	)
	switch kind {
	case QuestionNumeric:
		v, conf, err = extractNumeric(text, normalizeUnit(q.Unit))
	case QuestionDate:
		v, conf, err = extractDate(text)
	case QuestionChoice:
		v, conf, err = extractChoice(text, q.Choices)
	case QuestionYesNo:
		v, conf, err = extractYesNo(text)
	case QuestionText:
		v, conf = TextValue(text), 0.9
	default:
		err = errors.New("unknown question kind " + string(kind))
	}
	if err != nil {
		return out, parseFailure(q, err)
	}
	out.Value = &v
	out.Confidence = clamp01(conf)
	return out, nil
}

func parseFailure(q Question, cause error) error {
	return apperr.Wrap("prescreening: parse "+q.Key, apperr.ErrParseFailure, cause)
}

var (
	numberPattern    = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*(mg/dl|%|[a-z]+)?`)
	thousandsPattern = regexp.MustCompile(`(\d),(\d{3})`)
	heightPattern    = regexp.MustCompile(`(\d)\s*(?:'|ft|feet|foot)\s*(\d{1,2})\s*(?:"|in|inches)?`)
)

var unitAliases = map[string]string{
	"lb": "pounds", "lbs": "pounds", "pound": "pounds", "pounds": "pounds",
	"kg": "kilograms", "kgs": "kilograms", "kilo": "kilograms", "kilos": "kilograms", "kilogram": "kilograms", "kilograms": "kilograms",
	"cm": "centimeters", "centimeter": "centimeters", "centimeters": "centimeters",
	"in": "inches", "inch": "inches", "inches": "inches",
	"ft": "feet", "foot": "feet", "feet": "feet",
	"yr": "years", "yrs": "years", "year": "years", "years": "years", "yo": "years",
	"month": "months", "months": "months",
	"week": "weeks", "weeks": "weeks",
	"day": "days", "days": "days",
	"time": "times", "times": "times", "flare": "times", "flares": "times", "attack": "times", "attacks": "times", "episode": "times", "episodes": "times",
	"mg/dl": "mg/dL",
	"%": "percent", "percent": "percent",
}

func normalizeUnit(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	if canonical, ok := unitAliases[u]; ok {
		return canonical
	}
	return u
}

// conversions to the key unit, keyed by from->to.
var conversions = map[[2]string]float64{
	{"kilograms", "pounds"}:   2.20462,
	{"pounds", "kilograms"}:   1 / 2.20462,
	{"inches", "centimeters"}: 2.54,
	{"centimeters", "inches"}: 1 / 2.54,
	{"feet", "inches"}:        12,
	{"feet", "centimeters"}:   30.48,
}

var writtenOnes = map[string]float64{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
	"seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12,
}

var writtenTens = map[string]float64{
	"twenty": 20, "thirty": 30, "forty": 40, "fifty": 50,
	"sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
}

func extractNumeric(text, want string) (Value, float64, error) {
	lower := thousandsPattern.ReplaceAllString(strings.ToLower(text), "$1$2")

	if m := heightPattern.FindStringSubmatch(lower); m != nil && (want == "inches" || want == "centimeters") {
		feet, _ := strconv.ParseFloat(m[1], 64)
		inches, _ := strconv.ParseFloat(m[2], 64)
		total := feet*12 + inches
		if want == "centimeters" {
			total = round2(total * 2.54)
		}
		return NumericValue(total, want), 0.9, nil
	}

	matches := numberPattern.FindAllStringSubmatch(lower, -1)
	if len(matches) == 0 {
		if n, ok := writtenNumber(lower); ok {
			return NumericValue(n, want), 0.75, nil
		}
		return Value{}, 0, errors.New("no number found")
	}

	n, err := strconv.ParseFloat(matches[0][1], 64)
	if err != nil {
		return Value{}, 0, err
	}
	unit := ""
	if canonical, ok := unitAliases[matches[0][2]]; ok {
		unit = canonical
	}

	conf := 0.95
	switch {
	case want == "":
	case unit == "":
		unit = want
		conf = 0.85
	case unit == want:
	default:
		factor, ok := conversions[[2]string{unit, want}]
		if !ok {
			conf = 0.5
			break
		}
		n = round2(n * factor)
		unit = want
		conf = 0.9
	}
	if distinctNumbers(matches) > 1 {
		conf = math.Min(conf, 0.6)
	}
	return NumericValue(n, unit), conf, nil
}

func distinctNumbers(matches [][]string) int {
	seen := map[string]struct{}{}
	for _, m := range matches {
		seen[m[1]] = struct{}{}
	}
	return len(seen)
}

func writtenNumber(text string) (float64, bool) {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == '-' || r == ',' || r == '.'
	})
	for i, w := range words {
		if tens, ok := writtenTens[w]; ok {
			if i+1 < len(words) {
				if ones, ok := writtenOnes[words[i+1]]; ok && ones > 0 && ones < 10 {
					return tens + ones, true
				}
			}
			return tens, true
		}
		if ones, ok := writtenOnes[w]; ok {
			return ones, true
		}
	}
	return 0, false
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"1-2-2006",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 January 2006",
	"2 Jan 2006",
	"02-Jan-2006",
}

var shortYearLayouts = []string{"1/2/06", "01/02/06", "1-2-06"}

var dateFragments = []*regexp.Regexp{
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}`),
	regexp.MustCompile(`\d{1,2}[/-]\d{1,2}[/-]\d{2,4}`),
	regexp.MustCompile(`(?i)[a-z]{3,9}\.? \d{1,2},? \d{4}`),
	regexp.MustCompile(`(?i)\d{1,2} [a-z]{3,9} \d{4}`),
}

var monthYear = regexp.MustCompile(`(?i)\b([a-z]{3,9}) (\d{4})\b`)

func extractDate(text string) (Value, float64, error) {
	clean := strings.TrimSuffix(strings.TrimSpace(text), ".")
	if t, ok := parseDate(clean, dateLayouts); ok {
		return DateValue(t), 0.95, nil
	}
	if t, ok := parseDate(clean, shortYearLayouts); ok {
		return DateValue(t), 0.7, nil
	}
	for _, re := range dateFragments {
		frag := re.FindString(clean)
		if frag == "" {
			continue
		}
		frag = strings.Replace(frag, ".", "", 1)
		if t, ok := parseDate(frag, dateLayouts); ok {
			return DateValue(t), 0.85, nil
		}
		if t, ok := parseDate(frag, shortYearLayouts); ok {
			return DateValue(t), 0.7, nil
		}
	}
	if m := monthYear.FindStringSubmatch(clean); m != nil {
		for _, layout := range []string{"January 2006", "Jan 2006"} {
			if t, err := time.Parse(layout, titleCase(m[1])+" "+m[2]); err == nil {
				return DateValue(t), 0.6, nil
			}
		}
	}
	return Value{}, 0, errors.New("no date found")
}

func parseDate(s string, layouts []string) (time.Time, bool) {
	s = titleCase(s)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

var ordinalWords = map[string]int{"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5}

func extractChoice(text string, choices []string) (Value, float64, error) {
	if len(choices) == 0 {
		return Value{}, 0, errors.New("question has no choices")
	}
	lower := strings.ToLower(strings.TrimSpace(strings.TrimSuffix(text, ".")))
	for _, c := range choices {
		if strings.EqualFold(strings.TrimSpace(c), lower) {
			return ChoiceValue(c), 1.0, nil
		}
	}
	if idx, err := strconv.Atoi(lower); err == nil && idx >= 1 && idx <= len(choices) {
		return ChoiceValue(choices[idx-1]), 0.9, nil
	}
	if idx, ok := ordinalWords[lower]; ok && idx <= len(choices) {
		return ChoiceValue(choices[idx-1]), 0.85, nil
	}

	padded := " " + strings.Join(strings.Fields(nonAlnum.ReplaceAllString(lower, " ")), " ") + " "
	var hits []string
	for _, c := range choices {
		needle := strings.Join(strings.Fields(nonAlnum.ReplaceAllString(strings.ToLower(c), " ")), " ")
		if needle != "" && strings.Contains(padded, " "+needle+" ") {
			hits = append(hits, c)
		}
	}
	switch len(hits) {
	case 1:
		return ChoiceValue(hits[0]), 0.9, nil
	case 0:
	default:
		return Value{}, 0, errors.New("answer matches several choices")
	}

	for _, c := range choices {
		if strings.HasPrefix(strings.ToLower(c), lower) && len(lower) >= 3 {
			hits = append(hits, c)
		}
	}
	if len(hits) == 1 {
		return ChoiceValue(hits[0]), 0.8, nil
	}
	return Value{}, 0, errors.New("answer matches no choice")
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

var (
	yesStrict = []*regexp.Regexp{
		regexp.MustCompile(`^(?:yes|yeah|yep|yup|correct|right|true|sure|absolutely|definitely|y)[.!]?$`),
		regexp.MustCompile(`^(?:i do|i am|i have|i did)[.!]?$`),
		regexp.MustCompile(`^(?:that'?s correct|that'?s right)[.!]?$`),
	}
	noStrict = []*regexp.Regexp{
		regexp.MustCompile(`^(?:no|nope|not|negative|false|incorrect|wrong|never|n)[.!]?$`),
		regexp.MustCompile(`^(?:i don'?t|i do not|i haven'?t|i have not|i'?m not|i am not|i did not|i didn'?t)[.!]?$`),
		regexp.MustCompile(`^(?:that'?s incorrect|that'?s wrong)[.!]?$`),
	}
	yesWord = regexp.MustCompile(`\b(?:yes|yeah|yep|yup)\b`)
	noWord  = regexp.MustCompile(`\b(?:no|nope|never)\b`)
)

var yesTypos = strings.NewReplacer("yea ", "yes ", "yeh ", "yes ", "ya ", "yes ")

func extractYesNo(text string) (Value, float64, error) {
	lower := strings.ToLower(strings.TrimSpace(text))
	lower = strings.TrimSpace(yesTypos.Replace(lower + " "))
	switch lower {
	case "yea", "yeh", "ya":
		lower = "yes"
	}
	for _, re := range yesStrict {
		if re.MatchString(lower) {
			return BoolValue(true), 0.95, nil
		}
	}
	for _, re := range noStrict {
		if re.MatchString(lower) {
			return BoolValue(false), 0.95, nil
		}
	}
	hasYes, hasNo := yesWord.MatchString(lower), noWord.MatchString(lower)
	switch {
	case hasYes && hasNo:
		return Value{}, 0, errors.New("answer contains both yes and no")
	case strings.HasPrefix(lower, "yes") || strings.HasPrefix(lower, "yeah"):
		return BoolValue(true), 0.85, nil
	case strings.HasPrefix(lower, "no,") || strings.HasPrefix(lower, "no ") || strings.HasPrefix(lower, "nope"):
		return BoolValue(false), 0.85, nil
	case hasYes:
		return BoolValue(true), 0.6, nil
	case hasNo:
		return BoolValue(false), 0.6, nil
	}
	return Value{}, 0, errors.New("no yes or no found")
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
