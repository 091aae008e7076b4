package security

import (
	"regexp"
	"strings"
)

var digits = regexp.MustCompile(`\d`)

// MaskPII masks personally identifiable values in a payload before it is
// logged. Keys are matched in both snake_case and camelCase.
func MaskPII(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	masked := make(map[string]any, len(data))
	for key, value := range data {
		str, isString := value.(string)
		switch strings.ToLower(strings.ReplaceAll(key, "_", "")) {
		case "pan", "cardnumber", "accountnumber", "routingnumber":
			if isString && len(str) > 4 {
				masked[key] = "****" + str[len(str)-4:]
			} else {
				masked[key] = "****"
			}
		case "cvv", "cvvnumber", "securitycode":
			masked[key] = "***"
		case "email":
			local, domain, ok := strings.Cut(str, "@")
			if isString && ok && local != "" {
				masked[key] = local[:1] + "***@" + domain
			} else {
				masked[key] = "***@***"
			}
		case "phone", "phonenumber":
			d := digits.FindAllString(str, -1)
			if len(d) >= 4 {
				masked[key] = "***-***-" + strings.Join(d[len(d)-4:], "")
			} else {
				masked[key] = "***-***-****"
			}
		case "firstname", "lastname", "birthdate", "address1", "address2", "identificationhash", "ssn":
			masked[key] = "***"
		default:
			if nested, ok := value.(map[string]any); ok {
				masked[key] = MaskPII(nested)
			} else {
				masked[key] = value
			}
		}
	}
	return masked
}
