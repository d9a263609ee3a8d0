package lang

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Language is the stable lowercase name listeners subscribe with, e.g. "german".
type Language string

const (
	German  Language = "german"
	English Language = "english"
)

// Default is the language a listener gets when it does not ask for one.
const Default = German

var codes = map[Language]string{
	German:  "de",
	English: "en",
}

var ErrUnsupported = errors.New("unsupported language")

// Parse validates a name against the supported set.
func Parse(name string) (Language, error) {
	l := Language(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := codes[l]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, name)
	}
	return l, nil
}

// Code returns the provider code for l. ok is false for unmapped languages.
func (l Language) Code() (string, bool) {
	code, ok := codes[l]
	return code, ok
}

func (l Language) String() string {
	return string(l)
}

// FromCode maps a provider code back to its Language.
func FromCode(code string) (Language, bool) {
	for l, c := range codes {
		if c == code {
			return l, true
		}
	}
	return "", false
}

func Supported() []Language {
	out := make([]Language, 0, len(codes))
	for l := range codes {
		out = append(out, l)
	}
	Sort(out)
	return out
}

func Sort(langs []Language) {
	sort.Slice(langs, func(i, j int) bool { return langs[i] < langs[j] })
}

// SameSet reports whether a and b hold the same languages, ignoring order
// and duplicates.
func SameSet(a, b []Language) bool {
	as := make(map[Language]struct{}, len(a))
	for _, l := range a {
		as[l] = struct{}{}
	}
	bs := make(map[Language]struct{}, len(b))
	for _, l := range b {
		if _, ok := as[l]; !ok {
			return false
		}
		bs[l] = struct{}{}
	}
	return len(as) == len(bs)
}
