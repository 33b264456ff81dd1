package locale

import (
	"testing"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
)

func TestCatalogsHaveTheSameKeys(t *testing.T) {
	bundle, err := Load()
	if err != nil {
		t.Fatalf("failed to load catalogs: %v", err)
	}
	for lang, keys := range bundle.MissingKeys() {
		if len(keys) > 0 {
			t.Fatalf("catalog %s is missing keys %v", lang, keys)
		}
	}
}

func TestFormatSubstitutesPlaceholders(t *testing.T) {
	bundle := MustLoad()
	english := bundle.For(store.LanguageEnglish)

	got := english.Format("init_banned", "mins", "15")
	want := "You have been banned from creating initiatives for 15 minutes."
	if got != want {
		t.Fatalf("unexpected text %q", got)
	}

	finnish := bundle.For(store.LanguageFinnish)
	if finnish.Language() != store.LanguageFinnish {
		t.Fatalf("expected finnish locale, got %s", finnish.Language())
	}
	if finnish.Text("poll_confirm_no") != "Eiku" {
		t.Fatalf("unexpected finnish text %q", finnish.Text("poll_confirm_no"))
	}
}

func TestUnknownKeysAndLanguagesFallBack(t *testing.T) {
	bundle := MustLoad()
	fallback := bundle.For(store.Language("sv"))
	if fallback.Language() != store.LanguageEnglish {
		t.Fatalf("expected english fallback, got %s", fallback.Language())
	}
	if fallback.Text("does_not_exist") != "does_not_exist" {
		t.Fatalf("expected key echo for unknown keys")
	}
}

func TestEscape(t *testing.T) {
	if got := Escape(`<b>"Tom & Jerry"</b>`); got != "&lt;b&gt;&#34;Tom &amp; Jerry&#34;&lt;/b&gt;" {
		t.Fatalf("unexpected escape %q", got)
	}
}
