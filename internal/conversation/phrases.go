package conversation

import (
	"regexp"
	"strings"
	"unicode"
)

// voicemailPatterns match greetings of answering machines and carrier mailboxes
var voicemailPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bleave (me |us )?(a |your )?(brief |short )?message\b`),
	regexp.MustCompile(`\b(after|at) the (tone|beep)\b`),
	regexp.MustCompile(`\b(is|are) not available\b`),
	regexp.MustCompile(`\b(can't|cannot|can not) (come to|take) the (phone|call)\b`),
	regexp.MustCompile(`\bvoice ?mail\b`),
	regexp.MustCompile(`\bmailbox (is full|has not been set up)\b`),
	regexp.MustCompile(`\brecord your message\b`),
	regexp.MustCompile(`\bwhen you (have )?finish(ed)? recording\b`),
	regexp.MustCompile(`\bplease leave your name( and number)?\b`),
	regexp.MustCompile(`\bthe (number|person) you (have )?(dialed|called)\b`),
}

// IsVoicemail reports whether a caller transcript is an automated mailbox greeting
func IsVoicemail(text string) bool {
	t := strings.ToLower(text)
	for _, re := range voicemailPatterns {
		if re.MatchString(t) {
			return true
		}
	}
	return false
}

// fillerWords are short acknowledgements that do not interrupt the agent
var fillerWords = map[string][]string{
	"en": {"ok", "okay", "k", "yeah", "yep", "yes", "uh huh", "uh-huh", "mhm", "mm", "mmm", "hmm", "right", "sure", "alright", "all right", "got it", "i see", "cool", "great"},
	"es": {"ok", "vale", "sí", "si", "ajá", "aja", "claro", "bueno", "mhm", "ya", "entiendo"},
	"fr": {"ok", "oui", "ouais", "d'accord", "hmm", "mhm", "bien", "entendu"},
	"de": {"ok", "okay", "ja", "genau", "mhm", "hmm", "alles klar", "gut", "stimmt"},
	"pt": {"ok", "sim", "tá", "ta", "certo", "aham", "claro", "entendi"},
	"it": {"ok", "sì", "si", "certo", "va bene", "mhm", "capito"},
}

// FillerSet is the set of normalized filler phrases for one language
type FillerSet map[string]struct{}

// FillersFor returns the filler set for a language tag such as "en-US".
// Unknown languages fall back to English.
func FillersFor(language string) FillerSet {
	lang := strings.ToLower(language)
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	words, ok := fillerWords[lang]
	if !ok {
		words = fillerWords["en"]
	}
	set := make(FillerSet, len(words))
	for _, w := range words {
		set[normalize(w)] = struct{}{}
	}
	return set
}

// Contains reports whether the whole utterance is a filler
func (f FillerSet) Contains(text string) bool {
	_, ok := f[normalize(text)]
	return ok
}

// normalize lowercases and strips punctuation and repeated spaces
func normalize(text string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

var goodbyePattern = regexp.MustCompile(`\b(good ?bye|bye now|bye-bye|have a (great|good|nice|wonderful) (day|evening|night|weekend|one)|take care)\b`)

// SaysGoodbye reports whether an agent reply closes the call
func SaysGoodbye(reply string) bool {
	return goodbyePattern.MatchString(strings.ToLower(reply))
}

// chunkBreak reports whether r ends a speakable chunk
func chunkBreak(r byte) bool {
	switch r {
	case '.', '!', '?', ';', ':', ',':
		return true
	}
	return false
}

// splitSpeakable cuts buf after every punctuation mark followed by
// whitespace and returns the complete chunks plus the unfinished rest.
// A comma only cuts once the chunk is at least minCommaChunk long.
func splitSpeakable(buf string) ([]string, string) {
	const minCommaChunk = 40
	var chunks []string
	start := 0
	for i := 0; i+1 < len(buf); i++ {
		if !chunkBreak(buf[i]) || !unicode.IsSpace(rune(buf[i+1])) {
			continue
		}
		if buf[i] == ',' && i+1-start < minCommaChunk {
			continue
		}
		if chunk := strings.TrimSpace(buf[start : i+1]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		start = i + 1
	}
	return chunks, buf[start:]
}
