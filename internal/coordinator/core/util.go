package core

import "sort"

// sortStrings sorts hosts in place. usableHosts uses it so that
// location order stays deterministic given identical inputs.
func sortStrings(s []string) {
	sort.Strings(s)
}
