package utils

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeTitle trims a task title. The bool is false for titles that are empty after trimming.
func NormalizeTitle(title string) (string, bool) {
	title = strings.TrimSpace(title)
	return title, title != ""
}

// ParseTaskID parses a positive task id from user input.
func ParseTaskID(s string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(s, "#")))
	if err != nil || id <= 0 {
		return 0, &ErrorWithSuggestion{
			Err:        fmt.Errorf("invalid task id: %q", s),
			Suggestion: "Task ids are positive integers, see 'taskly tasks list'",
		}
	}
	return id, nil
}

// ValidateBaseURL checks that s is an absolute http(s) URL.
func ValidateBaseURL(s string) error {
	if s == "" {
		return errors.New("base URL is empty")
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid base URL %q: %w", s, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL %q must use http or https", s)
	}
	if u.Host == "" {
		return fmt.Errorf("base URL %q has no host", s)
	}
	return nil
}
