package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// ParseJSON decodes JSON from the request body into dest. An empty body
// leaves dest untouched.
func ParseJSON(r *http.Request, dest interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes a 400 on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// ParseQueryString extracts a string query parameter
func ParseQueryString(r *http.Request, key string, defaultVal string) string {
	if val := r.URL.Query().Get(key); val != "" {
		return val
	}
	return defaultVal
}

// ParseQueryInt extracts and parses an integer query parameter
func ParseQueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for query param %s: %s", key, str)
	}
	return val, nil
}

// Page is a limit/offset window over a listing
type Page struct {
	Limit  int
	Offset int
}

// ParsePage reads the limit and offset query parameters. A missing limit is
// defaultLimit; a limit above maxLimit is clamped. Negative values are errors.
func ParsePage(r *http.Request, defaultLimit, maxLimit int) (Page, error) {
	limit, err := ParseQueryInt(r, "limit", defaultLimit)
	if err != nil {
		return Page{}, err
	}
	offset, err := ParseQueryInt(r, "offset", 0)
	if err != nil {
		return Page{}, err
	}
	if limit <= 0 || offset < 0 {
		return Page{}, fmt.Errorf("limit must be positive and offset non-negative")
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	return Page{Limit: limit, Offset: offset}, nil
}

// ParsePageOrError is ParsePage writing a 400 on failure
func ParsePageOrError(w http.ResponseWriter, r *http.Request, defaultLimit, maxLimit int) (Page, bool) {
	page, err := ParsePage(r, defaultLimit, maxLimit)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return Page{}, false
	}
	return page, true
}
