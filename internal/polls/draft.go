package polls

import (
	"strings"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
)

// Draft holds uncommitted edits to a poll. Nil fields keep the stored value.
type Draft struct {
	TextFi      *string
	TextEn      *string
	PerArea     *bool
	VoterGroup  *string
	SourceGroup *string
	OptionsFi   []string
	OptionsEn   []string
}

// Empty reports whether the draft changes nothing.
func (d Draft) Empty() bool {
	return d.TextFi == nil && d.TextEn == nil && d.PerArea == nil && d.VoterGroup == nil &&
		d.SourceGroup == nil && d.OptionsFi == nil && d.OptionsEn == nil
}

// Apply returns the poll with the draft's fields merged over the stored ones.
func (d Draft) Apply(poll store.Poll) store.Poll {
	if d.TextFi != nil {
		poll.TextFi = *d.TextFi
	}
	if d.TextEn != nil {
		poll.TextEn = *d.TextEn
	}
	if d.PerArea != nil {
		poll.PerArea = *d.PerArea
	}
	if d.VoterGroup != nil {
		poll.VoterGroup = *d.VoterGroup
	}
	if d.SourceGroup != nil && poll.IsElection() {
		poll.SourceGroup = *d.SourceGroup
	}
	return poll
}

// SetText stages a new question text.
func (d *Draft) SetText(lang store.Language, text string) {
	text = strings.TrimSpace(text)
	if lang == store.LanguageFinnish {
		d.TextFi = &text
		return
	}
	d.TextEn = &text
}

// SetOptions stages a new option list for one language. When the other language has no staged
// list yet it is taken from stored. A count mismatch is reported but the list stays staged so
// the other language can be re-entered.
func (d *Draft) SetOptions(lang store.Language, texts []string, stored []store.Option) error {
	texts = append([]string(nil), texts...)
	var other []string
	if lang == store.LanguageFinnish {
		d.OptionsFi = texts
		other = d.OptionsEn
	} else {
		d.OptionsEn = texts
		other = d.OptionsFi
	}
	if other == nil && len(stored) > 0 {
		other = make([]string, 0, len(stored))
		for _, option := range stored {
			other = append(other, option.Text(otherLanguage(lang)))
		}
		if lang == store.LanguageFinnish {
			d.OptionsEn = other
		} else {
			d.OptionsFi = other
		}
	}
	if other != nil && len(other) != len(texts) {
		return ErrOptionCountMismatch
	}
	return nil
}

// TogglePerArea flips the effective per-area flag of poll.
func (d *Draft) TogglePerArea(poll store.Poll) {
	value := !d.Apply(poll).PerArea
	d.PerArea = &value
}

func (d Draft) optionsReady() bool {
	return d.OptionsFi != nil && d.OptionsEn != nil
}

// ParseOptions splits a multi-line option list, dropping blank lines.
func ParseOptions(text string) []string {
	var options []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			options = append(options, line)
		}
	}
	return options
}

func otherLanguage(lang store.Language) store.Language {
	if lang == store.LanguageFinnish {
		return store.LanguageEnglish
	}
	return store.LanguageFinnish
}
