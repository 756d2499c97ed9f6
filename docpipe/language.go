package docpipe

import (
	"strings"

	"github.com/pemistahl/lingua-go"
)

// minLanguageSample is the shortest text worth running detection on.
const minLanguageSample = 20

// maxLanguageSample caps the runes handed to the detector.
const maxLanguageSample = 10000

var isoLanguages = map[string]lingua.Language{
	"en": lingua.English,
	"fr": lingua.French,
	"de": lingua.German,
	"es": lingua.Spanish,
	"it": lingua.Italian,
	"pt": lingua.Portuguese,
	"nl": lingua.Dutch,
	"pl": lingua.Polish,
	"sv": lingua.Swedish,
	"da": lingua.Danish,
	"nb": lingua.Bokmal,
	"fi": lingua.Finnish,
	"cs": lingua.Czech,
	"ro": lingua.Romanian,
	"tr": lingua.Turkish,
	"ru": lingua.Russian,
	"uk": lingua.Ukrainian,
	"el": lingua.Greek,
	"ar": lingua.Arabic,
	"zh": lingua.Chinese,
	"ja": lingua.Japanese,
	"ko": lingua.Korean,
}

type languageDetector struct {
	detector lingua.LanguageDetector
}

func newLanguageDetector(codes []string) *languageDetector {
	var langs []lingua.Language
	seen := make(map[lingua.Language]bool)
	for _, c := range codes {
		l, ok := isoLanguages[strings.ToLower(strings.TrimSpace(c))]
		if ok && !seen[l] {
			seen[l] = true
			langs = append(langs, l)
		}
	}
	// lingua needs at least two candidates.
	if len(langs) < 2 {
		return &languageDetector{}
	}
	return &languageDetector{
		detector: lingua.NewLanguageDetectorBuilder().FromLanguages(langs...).Build(),
	}
}

// detect returns the lowercase ISO 639-1 code of text, or "".
func (d *languageDetector) detect(text string) string {
	if d.detector == nil {
		return ""
	}
	runes := []rune(strings.TrimSpace(text))
	if len(runes) < minLanguageSample {
		return ""
	}
	if len(runes) > maxLanguageSample {
		runes = runes[:maxLanguageSample]
	}
	lang, ok := d.detector.DetectLanguageOf(string(runes))
	if !ok {
		return ""
	}
	return strings.ToLower(lang.IsoCode639_1().String())
}

// detectLanguage builds the detector on first use; its models are large.
func (p *Pipeline) detectLanguage(text string) string {
	p.langOnce.Do(func() {
		p.lang = newLanguageDetector(p.cfg.Languages)
	})
	return p.lang.detect(text)
}
