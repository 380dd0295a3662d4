package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// printOutcome writes one block per successful node, then one line per
// failed node. It returns an error when any node failed.
func printOutcome(w io.Writer, out *outcome, render func(any) string) error {
	for _, addr := range sortedKeys(out.Results) {
		text := render(out.Results[addr])
		if text == "" {
			fmt.Fprintf(w, "%s: ok\n", addr)
			continue
		}
		if strings.Contains(text, "\n") {
			fmt.Fprintf(w, "%s:\n%s\n", addr, indent(strings.TrimRight(text, "\n")))
			continue
		}
		fmt.Fprintf(w, "%s: %s\n", addr, text)
	}

	if len(out.Errors) == 0 {
		return nil
	}
	fmt.Fprintf(w, "\nFailed:\n")
	for _, addr := range sortedKeys(out.Errors) {
		fmt.Fprintf(w, "%s: %v\n", addr, out.Errors[addr])
	}
	return fmt.Errorf("%d of %d nodes failed", len(out.Errors), len(out.Errors)+len(out.Results))
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func renderNothing(any) string { return "" }

func renderValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case []string:
		return strings.Join(v, ",")
	default:
		return fmt.Sprint(v)
	}
}
