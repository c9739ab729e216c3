package input

import "strings"

// aliases collapses alternate physical keys onto their logical key.
var aliases = map[string]string{
	"arrowup":    "w",
	"arrowdown":  "s",
	"arrowleft":  "a",
	"arrowright": "d",
}

// Normalize returns the logical key for a physical key identifier.
func Normalize(key string) string {
	key = strings.ToLower(key)
	if logical, ok := aliases[key]; ok {
		return logical
	}
	return key
}

// KeyCode returns the code sent with a key_down for the logical key. Single
// letters use their upper-case character code; anything else keeps the raw code.
func KeyCode(logical string, raw int) int {
	if len(logical) == 1 && logical[0] >= 'a' && logical[0] <= 'z' {
		return int(logical[0] - 'a' + 'A')
	}
	return raw
}
