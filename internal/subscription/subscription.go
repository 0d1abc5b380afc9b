// Package subscription parses the stream subscriptions consumer apps send
// and keeps the per-app registry of what each app wants.
//
// Grammar:
//
//	transcription:<lang>[?hints=<lang>,<lang>&no-language-identification=true]
//	translation:<source>-to-<target>
//	audio_chunk
//
// The part before "?" is the normalized key. Two subscriptions that differ
// only in their parameters share a key and therefore one engine stream.
package subscription

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/language"
)

// Kind classifies a subscription.
type Kind int

const (
	KindOther Kind = iota
	KindTranscription
	KindTranslation
	KindAudio
)

// String returns the stream-type prefix of the kind.
func (k Kind) String() string {
	switch k {
	case KindTranscription:
		return "transcription"
	case KindTranslation:
		return "translation"
	case KindAudio:
		return "audio_chunk"
	default:
		return "other"
	}
}

// AudioDependent reports whether the kind needs live microphone audio.
func (k Kind) AudioDependent() bool {
	return k == KindTranscription || k == KindTranslation || k == KindAudio
}

// Stream-type prefixes and parameter names.
const (
	prefixTranscription = "transcription"
	prefixTranslation   = "translation"
	streamAudio         = "audio_chunk"

	paramHints      = "hints"
	paramNoLangID   = "no-language-identification"
	defaultLanguage = "en-US"
	autoLanguage    = "auto"
)

// ErrInvalid is wrapped by every parse error.
var ErrInvalid = errors.New("subscription: invalid")

// Subscription is one parsed subscription string.
type Subscription struct {
	// Raw is the string as received.
	Raw string

	Kind Kind

	// Language is the transcription language or the translation source.
	Language string

	// Target is the translation target language.
	Target string

	// Hints are additional language hints, deduplicated and canonical.
	Hints []string

	// DisableLanguageIdentification is true when the subscriber explicitly
	// asked for it.
	DisableLanguageIdentification bool
}

// Key returns the normalized key: the subscription without parameters.
func (s Subscription) Key() string {
	switch s.Kind {
	case KindTranscription:
		return prefixTranscription + ":" + s.Language
	case KindTranslation:
		return prefixTranslation + ":" + s.Language + "-to-" + s.Target
	case KindAudio:
		return streamAudio
	default:
		base, _, _ := strings.Cut(strings.TrimSpace(s.Raw), "?")
		return base
	}
}

// Parse parses a raw subscription string. Unknown stream types parse as
// [KindOther] without error.
func Parse(raw string) (Subscription, error) {
	s := Subscription{Raw: raw}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return s, fmt.Errorf("%w: empty subscription", ErrInvalid)
	}
	base, query, _ := strings.Cut(trimmed, "?")
	stream, arg, _ := strings.Cut(base, ":")

	switch strings.ToLower(stream) {
	case prefixTranscription:
		s.Kind = KindTranscription
		lang := arg
		if lang == "" {
			lang = defaultLanguage
		}
		canon, err := canonicalLanguage(lang)
		if err != nil {
			return s, fmt.Errorf("%w: %q: %w", ErrInvalid, raw, err)
		}
		s.Language = canon
	case prefixTranslation:
		s.Kind = KindTranslation
		src, dst, ok := strings.Cut(arg, "-to-")
		if !ok {
			return s, fmt.Errorf("%w: %q: translation needs <source>-to-<target>", ErrInvalid, raw)
		}
		var err error
		if s.Language, err = canonicalLanguage(src); err != nil {
			return s, fmt.Errorf("%w: %q: %w", ErrInvalid, raw, err)
		}
		if s.Target, err = canonicalLanguage(dst); err != nil {
			return s, fmt.Errorf("%w: %q: %w", ErrInvalid, raw, err)
		}
	case streamAudio:
		s.Kind = KindAudio
		return s, nil
	default:
		s.Kind = KindOther
		return s, nil
	}

	if query == "" {
		return s, nil
	}
	params, err := url.ParseQuery(query)
	if err != nil {
		return s, fmt.Errorf("%w: %q: %w", ErrInvalid, raw, err)
	}
	for _, v := range params[paramHints] {
		for _, h := range strings.Split(v, ",") {
			if strings.TrimSpace(h) == "" {
				continue
			}
			canon, err := canonicalLanguage(h)
			if err != nil {
				return s, fmt.Errorf("%w: %q: hint: %w", ErrInvalid, raw, err)
			}
			if !slices.Contains(s.Hints, canon) {
				s.Hints = append(s.Hints, canon)
			}
		}
	}
	if v := params.Get(paramNoLangID); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return s, fmt.Errorf("%w: %q: %s: %w", ErrInvalid, raw, paramNoLangID, err)
		}
		s.DisableLanguageIdentification = b
	}
	return s, nil
}

// Normalize returns the normalized key of raw. Strings that do not parse
// are returned with their parameters stripped.
func Normalize(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		base, _, _ := strings.Cut(strings.TrimSpace(raw), "?")
		return base
	}
	return s.Key()
}

// canonicalLanguage returns the canonical BCP-47 form of tag, e.g. "en-us"
// becomes "en-US". "auto" is kept as is.
func canonicalLanguage(tag string) (string, error) {
	tag = strings.TrimSpace(tag)
	if strings.EqualFold(tag, autoLanguage) {
		return autoLanguage, nil
	}
	t, err := language.Parse(tag)
	if err != nil {
		return "", err
	}
	return t.String(), nil
}
