package llm

import (
	"fmt"
	"strings"
)

// Intent is the closed set of request categories. The zero value is not a
// valid intent; ParseIntent is the only way to build one from text.
type Intent int

const (
	IntentImage Intent = iota + 1
	IntentSearch
	IntentMini
	IntentChat
)

// intents lists every intent in label-matching precedence order.
var intents = [...]Intent{IntentImage, IntentSearch, IntentMini, IntentChat}

func (i Intent) String() string {
	switch i {
	case IntentImage:
		return "image"
	case IntentSearch:
		return "search"
	case IntentMini:
		return "mini"
	case IntentChat:
		return "chat"
	}
	return fmt.Sprintf("Intent(%d)", int(i))
}

// Valid reports whether i is one of the four intents.
func (i Intent) Valid() bool {
	return i >= IntentImage && i <= IntentChat
}

// ParseIntent maps an exact label (case-insensitive, surrounding space
// ignored) to its intent.
func ParseIntent(s string) (Intent, error) {
	label := strings.ToLower(strings.TrimSpace(s))
	for _, i := range intents {
		if i.String() == label {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown intent %q", s)
}

// matchIntent finds the first label, in precedence order, contained in text.
func matchIntent(text string) (Intent, bool) {
	text = strings.ToLower(text)
	for _, i := range intents {
		if strings.Contains(text, i.String()) {
			return i, true
		}
	}
	return 0, false
}
