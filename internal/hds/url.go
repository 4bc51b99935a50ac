package hds

import (
	"fmt"
	"strings"
)

// splitRequestURL derives the base URL (everything through the last
// slash) and the literal query suffix of the manifest request URL. The
// query is re-appended to sub-fetches whose own URL carries none, which
// is how edge tokens survive onto bootstrap and fragment requests.
func splitRequestURL(requestURL string) (base, query string, err error) {
	if !strings.Contains(strings.ToLower(requestURL), ".f4m") {
		return "", "", fmt.Errorf("%w: not a manifest url: %s", ErrBadRequestURL, requestURL)
	}

	slash := strings.LastIndex(requestURL, "/")
	if slash < 0 {
		return "", "", fmt.Errorf("%w: no path separator: %s", ErrBadRequestURL, requestURL)
	}
	base = requestURL[:slash+1]

	if q := strings.Index(requestURL, "?"); q >= 0 {
		query = requestURL[q:]
	}

	return base, query, nil
}

// buildBootstrapURL joins the bootstrap's relative URL onto the base,
// appending the opener query unless the bootstrap URL has its own.
func buildBootstrapURL(base, bootstrapURL, query string) string {
	if strings.Contains(bootstrapURL, "?") {
		return base + bootstrapURL
	}
	return base + bootstrapURL + query
}

// buildFragmentURL constructs the download URL for one fragment.
func buildFragmentURL(base, variantURL string, segment, fragment int, query string) string {
	url := fmt.Sprintf("%s%sSeg%d-Frag%d", base, variantURL, segment, fragment)
	if strings.Contains(variantURL, "?") {
		return url
	}
	return url + query
}
