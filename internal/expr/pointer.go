// Package expr evaluates parameter expressions and resolves JSON pointers
// into node outputs. Expressions run on an embedded JavaScript engine with a
// bounded set of built-in functions; compiled programs are cached by source
// text.
package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// ResolvePointer resolves an RFC 6901 JSON pointer against a decoded JSON
// document. The empty pointer selects the whole document. Escapes ~0 and ~1
// are honored; a token that does not resolve yields an error.
func ResolvePointer(doc any, pointer string) (any, error) {
	if pointer == "" {
		return doc, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, types.NewError(types.KindValidation, types.PARAMETER_RESOLUTION_FAILED,
			fmt.Sprintf("JSON pointer must start with '/': %q", pointer))
	}

	current := doc
	for _, token := range strings.Split(pointer[1:], "/") {
		token = strings.ReplaceAll(token, "~1", "/")
		token = strings.ReplaceAll(token, "~0", "~")

		switch node := current.(type) {
		case map[string]any:
			v, ok := node[token]
			if !ok {
				return nil, types.NewError(types.KindValidation, types.PARAMETER_RESOLUTION_FAILED,
					fmt.Sprintf("pointer %q: key %q not found", pointer, token))
			}
			current = v
		case []any:
			idx, ok := arrayIndex(token)
			if !ok || idx >= len(node) {
				return nil, types.NewError(types.KindValidation, types.PARAMETER_RESOLUTION_FAILED,
					fmt.Sprintf("pointer %q: index %q out of range", pointer, token))
			}
			current = node[idx]
		default:
			return nil, types.NewError(types.KindValidation, types.PARAMETER_RESOLUTION_FAILED,
				fmt.Sprintf("pointer %q: cannot descend into %T with token %q", pointer, current, token))
		}
	}
	return current, nil
}

// arrayIndex parses an array reference token: "0", or a digit sequence with
// no leading zero. Signs and other characters are rejected.
func arrayIndex(token string) (int, bool) {
	if token == "" || (len(token) > 1 && token[0] == '0') {
		return 0, false
	}
	for i := 0; i < len(token); i++ {
		if token[i] < '0' || token[i] > '9' {
			return 0, false
		}
	}
	idx, err := strconv.Atoi(token)
	if err != nil {
		return 0, false
	}
	return idx, true
}
