package utils

import "strings"

// SplitAndTrim splits a comma separated list and drops empty entries.
func SplitAndTrim(value string) []string {
	if value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))

	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}

// SplitAll applies SplitAndTrim to every value and dedupes the result, so
// repeated and comma separated query values mean the same thing.
func SplitAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		out = append(out, SplitAndTrim(value)...)
	}

	return Dedupe(out)
}

// Dedupe returns the distinct values of in, preserving first occurrence order.
func Dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))

	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}

		seen[v] = struct{}{}
		out = append(out, v)
	}

	return out
}
