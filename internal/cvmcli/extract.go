package cvmcli

import (
	"errors"
	"strings"
)

// ErrNoJSON is returned when CLI output contains no JSON payload.
var ErrNoJSON = errors.New("no JSON payload in CLI output")

// ExtractJSON returns the JSON payload from CLI output. The CLI sometimes
// prefixes the payload with human-readable text (progress lines, update
// notices), so the payload starts at the first '{' or '['.
func ExtractJSON(out string) ([]byte, error) {
	objIdx := strings.IndexByte(out, '{')
	arrIdx := strings.IndexByte(out, '[')

	idx := objIdx
	if idx < 0 || (arrIdx >= 0 && arrIdx < idx) {
		idx = arrIdx
	}
	if idx < 0 {
		return nil, ErrNoJSON
	}
	return []byte(out[idx:]), nil
}
