package locale

import (
	"embed"
	"fmt"
	"html"
	"strings"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"gopkg.in/yaml.v3"
)

//go:embed catalog/*.yaml
var catalogFS embed.FS

// Icons label each language in admin menus.
var Icons = map[store.Language]string{
	store.LanguageFinnish: "🇫🇮 FI",
	store.LanguageEnglish: "🇬🇧 EN",
}

// Bundle holds the message catalogs of every supported language.
type Bundle struct {
	catalogs map[store.Language]map[string]string
}

// Load parses the embedded catalogs.
func Load() (*Bundle, error) {
	bundle := &Bundle{catalogs: make(map[store.Language]map[string]string, len(store.Languages))}
	for _, lang := range store.Languages {
		raw, err := catalogFS.ReadFile(fmt.Sprintf("catalog/%s.yaml", lang))
		if err != nil {
			return nil, fmt.Errorf("locale: read %s: %w", lang, err)
		}
		catalog := make(map[string]string)
		if err := yaml.Unmarshal(raw, &catalog); err != nil {
			return nil, fmt.Errorf("locale: parse %s: %w", lang, err)
		}
		bundle.catalogs[lang] = catalog
	}
	return bundle, nil
}

// MustLoad is Load for process start-up and tests.
func MustLoad() *Bundle {
	bundle, err := Load()
	if err != nil {
		panic(err)
	}
	return bundle
}

// For resolves the catalog of one language.
func (b *Bundle) For(lang store.Language) Locale {
	catalog, ok := b.catalogs[lang]
	if !ok {
		lang = store.LanguageEnglish
		catalog = b.catalogs[lang]
	}
	return Locale{lang: lang, catalog: catalog}
}

// MissingKeys lists the keys absent from a catalog compared to the English one.
func (b *Bundle) MissingKeys() map[store.Language][]string {
	missing := make(map[store.Language][]string)
	reference := b.catalogs[store.LanguageEnglish]
	for _, lang := range store.Languages {
		for key := range reference {
			if _, ok := b.catalogs[lang][key]; !ok {
				missing[lang] = append(missing[lang], key)
			}
		}
	}
	return missing
}

// Locale is the resolved catalog of one language.
type Locale struct {
	lang    store.Language
	catalog map[string]string
}

// Language returns the language of the catalog.
func (l Locale) Language() store.Language {
	return l.lang
}

// Text returns the message for key, or the key itself when missing.
func (l Locale) Text(key string) string {
	if value, ok := l.catalog[key]; ok {
		return value
	}
	return key
}

// Format returns the message for key with {name} placeholders substituted from name/value pairs.
func (l Locale) Format(key string, pairs ...string) string {
	text := l.Text(key)
	if len(pairs) == 0 {
		return text
	}
	replacements := make([]string, 0, len(pairs))
	for index := 0; index+1 < len(pairs); index += 2 {
		replacements = append(replacements, "{"+pairs[index]+"}", pairs[index+1])
	}
	return strings.NewReplacer(replacements...).Replace(text)
}

// Escape prepares untrusted text for HTML formatted messages.
func Escape(text string) string {
	return html.EscapeString(text)
}
