package preprocess

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// deriveDisplayName turns a file path into a human-readable title.
func deriveDisplayName(sourcePath string) string {
	if sourcePath == "" {
		return "Untitled"
	}
	base := filepath.Base(sourcePath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	cleaned := strings.Builder{}
	prevSpace := false
	for _, r := range base {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			cleaned.WriteRune(r)
			prevSpace = false
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '.':
			if !prevSpace {
				cleaned.WriteRune(' ')
				prevSpace = true
			}
		}
	}
	title := strings.TrimSpace(cleaned.String())
	if title == "" {
		title = "Untitled"
	}
	return cases.Title(language.Und).String(title)
}

// nameAllocator hands out display names that are unique within a batch and
// against already-taken names, suffixing duplicates with a counter.
type nameAllocator struct {
	taken map[string]struct{}
}

func newNameAllocator(taken []string) *nameAllocator {
	set := make(map[string]struct{}, len(taken))
	for _, name := range taken {
		set[strings.ToLower(name)] = struct{}{}
	}
	return &nameAllocator{taken: set}
}

func (a *nameAllocator) allocate(base string) string {
	name := base
	for n := 2; ; n++ {
		key := strings.ToLower(name)
		if _, exists := a.taken[key]; !exists {
			a.taken[key] = struct{}{}
			return name
		}
		name = fmt.Sprintf("%s (%d)", base, n)
	}
}
