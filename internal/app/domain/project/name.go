package project

import "regexp"

// nameRegex matches the source's ^[一-龥_a-zA-Z0-9]+$: CJK Han
// ideographs, underscore, ASCII letters and digits.
var nameRegex = regexp.MustCompile(`^[\p{Han}_A-Za-z0-9]+$`)

// ValidName reports whether name is an acceptable config_name.
func ValidName(name string) bool {
	return name != "" && nameRegex.MatchString(name)
}
